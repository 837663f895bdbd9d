// ABOUTME: Minimal fake agent VM for end-to-end testing, serving an echoing terminal WebSocket.
// ABOUTME: Usage: fake-vm [-listen :7070] [-relay http://localhost:8080] [-agent-id ID] [-key key.pem]

package main

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/paddock-run/paddock/internal/terminal"
)

type options struct {
	listen    string
	relay     string
	agentID   string
	keyFile   string
	keyID     string
	instance  string
	zone      string
	issuer    string
	audience  string
	signer    string
	heartbeat time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.listen, "listen", ":7070", "terminal WebSocket listen address")
	flag.StringVar(&opts.relay, "relay", "http://localhost:8080", "relay base URL for status reports")
	flag.StringVar(&opts.agentID, "agent-id", "", "agent ID to report status for (empty: terminal only)")
	flag.StringVar(&opts.keyFile, "key", "", "PEM RSA private key for identity tokens")
	flag.StringVar(&opts.keyID, "key-id", "dev", "kid header for identity tokens")
	flag.StringVar(&opts.instance, "instance", "agent-abc123", "instance name claimed in identity tokens")
	flag.StringVar(&opts.zone, "zone", "eu-west3-a", "zone claimed in identity tokens")
	flag.StringVar(&opts.issuer, "issuer", "https://accounts.google.com", "identity token issuer")
	flag.StringVar(&opts.audience, "audience", "https://localhost:8080", "identity token audience")
	flag.StringVar(&opts.signer, "signer", "agent-vms@paddock-dev.iam.gserviceaccount.com", "identity token signer email")
	flag.DurationVar(&opts.heartbeat, "heartbeat", time.Minute, "merge-only report interval (0: disabled)")
	flag.Parse()

	if err := run(opts); err != nil {
		log.Fatal(err)
	}
}

func run(opts options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var mint func() (string, error)
	if opts.agentID != "" && opts.keyFile != "" {
		key, err := loadPrivateKey(opts.keyFile)
		if err != nil {
			return fmt.Errorf("loading key: %w", err)
		}
		mint = func() (string, error) { return mintToken(key, opts) }
	} else {
		log.Printf("no -agent-id or -key given, serving terminal only")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /terminal", handleTerminal)
	srv := &http.Server{Addr: opts.listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if mint != nil {
		go reportLoop(ctx, opts, mint)
	}

	log.Printf("fake VM serving terminal on %s", opts.listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// reportLoop posts the boot callback, retrying until the relay accepts it,
// then sends merge-only heartbeats.
func reportLoop(ctx context.Context, opts options, mint func() (string, error)) {
	boot := map[string]any{"status": "running", "terminal_ready": true}
	for {
		err := report(ctx, opts, mint, boot)
		if err == nil {
			log.Printf("reported running for agent %s", opts.agentID)
			break
		}
		log.Printf("boot report failed, retrying: %v", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}

	if opts.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(opts.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := report(ctx, opts, mint, map[string]any{}); err != nil {
				log.Printf("heartbeat report failed: %v", err)
			}
		}
	}
}

func report(ctx context.Context, opts options, mint func() (string, error), body map[string]any) error {
	token, err := mint()
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := strings.TrimRight(opts.relay, "/") + "/api/agents/" + opts.agentID + "/report"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

// mintToken builds an instance identity token the way the metadata server
// would, signed with the dev key.
func mintToken(key *rsa.PrivateKey, opts options) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   opts.issuer,
		"aud":   opts.audience,
		"sub":   "fake-vm",
		"email": opts.signer,
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
		"google": map[string]any{
			"compute_engine": map[string]any{
				"project_id":    "paddock-dev",
				"instance_name": opts.instance,
				"zone":          opts.zone,
			},
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = opts.keyID
	return token.SignedString(key)
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key: %T", parsed)
	}
	return key, nil
}

var upgrader = websocket.Upgrader{}

// handleTerminal runs a toy shell over the relay's terminal protocol:
// binary frames echo back, resizes are acknowledged, and typing "exit"
// produces an exit frame followed by a clean close.
func handleTerminal(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	log.Printf("terminal connected from %s", r.RemoteAddr)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("fake-vm ready\r\n$ ")); err != nil {
		return
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("terminal closed: %v", err)
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
			if bytes.Contains(data, []byte("exit\r")) || bytes.Contains(data, []byte("exit\n")) {
				exit, err := terminal.MarshalFrame(terminal.ExitFrame{Code: 0})
				if err == nil {
					_ = conn.WriteMessage(websocket.TextMessage, exit)
				}
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "exit"), deadline)
				return
			}
		case websocket.TextMessage:
			frame, err := terminal.ParseFrame(data)
			if err != nil {
				log.Printf("bad control frame: %v", err)
				continue
			}
			if resize, ok := frame.(terminal.ResizeFrame); ok {
				ack := fmt.Sprintf("\r\n[resized to %dx%d]\r\n$ ", resize.Cols, resize.Rows)
				if err := conn.WriteMessage(websocket.BinaryMessage, []byte(ack)); err != nil {
					return
				}
			}
		}
	}
}
