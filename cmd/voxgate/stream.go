package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type streamOptions struct {
	url        string
	token      string
	file       string
	chunkBytes int
	interval   time.Duration
}

// streamCmd plays a raw PCM file through a running gateway and prints the
// transcripts. Useful for smoke-testing a deployment.
func streamCmd() *cobra.Command {
	var opts streamOptions
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream a raw PCM file through a gateway and print transcripts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return stream(cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:8080/ws/asr", "gateway WebSocket url")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token for the gateway")
	cmd.Flags().StringVar(&opts.file, "file", "", "raw 16-bit PCM file to send")
	cmd.Flags().IntVar(&opts.chunkBytes, "chunk-bytes", 3200, "bytes per audio message")
	cmd.Flags().DurationVar(&opts.interval, "interval", 100*time.Millisecond, "delay between audio messages")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func stream(out io.Writer, opts streamOptions) error {
	f, err := os.Open(opts.file)
	if err != nil {
		return err
	}
	defer f.Close()
	if opts.chunkBytes <= 0 {
		return errors.New("chunk-bytes must be positive")
	}

	header := http.Header{}
	if opts.token != "" {
		header.Set("Authorization", "Bearer "+opts.token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(opts.url, header)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "start"}); err != nil {
		return err
	}

	readErr := make(chan error, 1)
	go func() { readErr <- printEvents(out, conn) }()

	buf := make([]byte, opts.chunkBytes)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			msg := map[string]string{"type": "audio", "payload": base64.StdEncoding.EncodeToString(buf[:n])}
			if werr := conn.WriteJSON(msg); werr != nil {
				return werr
			}
			time.Sleep(opts.interval)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	if err := conn.WriteJSON(map[string]string{"type": "stop"}); err != nil {
		return err
	}
	return <-readErr
}

func printEvents(out io.Writer, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				if ce.Code == websocket.CloseNormalClosure {
					return nil
				}
				return fmt.Errorf("gateway closed the stream: %d %s", ce.Code, ce.Text)
			}
			return err
		}
		var ev struct {
			Type    string `json:"type"`
			Text    string `json:"text"`
			IsFinal bool   `json:"isFinal"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "transcript":
			marker := "~"
			if ev.IsFinal {
				marker = "="
			}
			fmt.Fprintf(out, "%s %s\n", marker, ev.Text)
		case "error":
			fmt.Fprintf(out, "! %s\n", ev.Message)
		}
	}
}
