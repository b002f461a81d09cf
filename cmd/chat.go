package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"

	"sparkle-gateway/internal/models"
	"sparkle-gateway/internal/session"
	"sparkle-gateway/internal/stream"
)

const chatUsage = `Usage:
  sparkle-gateway chat [--server <url>]

Flags:
  --server string   Base URL of a running sparkle-gateway server (default http://127.0.0.1:8787)

Type a message and press enter. Use /quit to leave.`

const fallbackReply = "error processing your request"

var (
	promptColor    = color.New(color.FgGreen, color.Bold)
	assistantColor = color.New(color.FgCyan)
	errorColor     = color.New(color.FgRed)
)

func chat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, chatUsage)
	}

	var serverURL string
	fs.StringVar(&serverURL, "server", "http://127.0.0.1:8787", "base URL of the gateway server")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse chat flags: %w", err)
	}

	serverURL = strings.TrimRight(serverURL, "/")

	sess := session.New()
	assistantColor.Println(sess.History()[0].Content)

	// The stream stays open for as long as the model produces tokens, so the
	// client carries no overall timeout.
	client := &http.Client{}
	scanner := bufio.NewScanner(os.Stdin)

	for {
		promptColor.Print("you> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		if err := sess.Begin(); err != nil {
			errorColor.Println(err)
			continue
		}
		sess.Append(models.ChatMessage{Role: models.RoleUser, Content: line})
		runTurn(ctx, client, serverURL, sess)
		sess.End()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// runTurn sends the conversation so far, consumes the token stream, and
// appends the assembled reply. A transport failure appends the fixed fallback
// message instead; the partial reply is not salvaged.
func runTurn(ctx context.Context, client *http.Client, serverURL string, sess *session.Session) {
	payload, err := json.Marshal(models.ChatRequest{Messages: sess.History()})
	if err != nil {
		failTurn(sess, err)
		return
	}

	spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	spin.Suffix = " thinking..."
	spin.Start()
	spinning := true
	stopSpinner := func() {
		if spinning {
			spin.Stop()
			spinning = false
		}
	}
	defer stopSpinner()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		stopSpinner()
		failTurn(sess, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		stopSpinner()
		failTurn(sess, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		stopSpinner()
		failTurn(sess, fmt.Errorf("server returned status %d", resp.StatusCode))
		return
	}

	reply, err := stream.Consume(ctx, resp.Body, func(delta, _ string) {
		stopSpinner()
		assistantColor.Print(delta)
	})
	if err != nil {
		stopSpinner()
		fmt.Println()
		failTurn(sess, err)
		return
	}

	fmt.Println()
	sess.Append(models.ChatMessage{Role: models.RoleAssistant, Content: reply})
}

func failTurn(sess *session.Session, err error) {
	errorColor.Println(fallbackReply)
	fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
	sess.Append(models.ChatMessage{Role: models.RoleAssistant, Content: fallbackReply})
}
