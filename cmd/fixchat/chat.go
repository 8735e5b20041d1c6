package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fixmate/chat-client/internal/api"
	"github.com/fixmate/chat-client/internal/auth"
	"github.com/fixmate/chat-client/internal/cable"
	"github.com/fixmate/chat-client/internal/chat"
	"github.com/fixmate/chat-client/internal/config"
	"github.com/fixmate/chat-client/internal/metrics"
	"github.com/fixmate/chat-client/internal/session"
)

func newChatCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "chat <booking-id>",
		Short: "Open the conversation for a booking",
		Long:  "Loads the booking's message history and follows the live conversation. Typed lines are sent as messages; /retry reconnects after an error, /quit exits.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookingID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || bookingID <= 0 {
				return fmt.Errorf("booking id %q must be a positive integer", args[0])
			}
			return runChat(cmd, configPath, bookingID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default: user config dir)")
	return cmd
}

func runChat(cmd *cobra.Command, configPath string, bookingID int64) error {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config (run fixchat login first): %w", err)
	}

	if v := os.Getenv("FIXCHAT_API_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("FIXCHAT_CABLE_URL"); v != "" {
		cfg.CableURL = v
	}
	if v := os.Getenv("FIXCHAT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	creds := auth.NewStore()
	if !cfg.Customer.Empty() {
		creds.Set(auth.KindCustomer, cfg.Customer.Token, cfg.Customer.ID)
	}
	if !cfg.Repairer.Empty() {
		creds.Set(auth.KindRepairer, cfg.Repairer.Token, cfg.Repairer.ID)
	}
	if !creds.Any() {
		return fmt.Errorf("no stored login; run fixchat login first")
	}

	client, err := api.NewClient(cfg.APIBaseURL, creds)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		go func() {
			log.Printf("metrics listening on %s", cfg.MetricsAddr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	sup := cable.NewSupervisor(cable.DefaultSupervisorConfig(), creds, cable.NewDialer(cfg.CableURL), nil)
	conv := session.NewConversation(client, sup)
	sup.SetDelegate(conv)

	out := cmd.OutOrStdout()
	render := newRenderer(out)
	conv.SetListener(render.update)

	log.Printf("fixchat starting booking=%d api=%s cable=%s", bookingID, cfg.APIBaseURL, cfg.CableURL)
	conv.LoadChat(bookingID)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, disconnecting", sig)
		conv.Disconnect()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := scanner.Text()
		switch line {
		case "/quit":
			conv.Disconnect()
			return nil
		case "/retry":
			conv.RetryConnection()
			continue
		}
		if err := conv.SendMessage(line); err != nil {
			fmt.Fprintf(out, "!! %v\n", err)
		}
	}

	conv.Disconnect()
	return scanner.Err()
}

// renderer prints timeline growth and state transitions as they happen. It
// tracks how much of the timeline was already shown so each message prints
// once.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	printed int
	state   cable.State
	errMsg  string
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, state: cable.StateDisconnected}
}

func (r *renderer) update(snap session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snap.ConnectionState != r.state || snap.ErrorMessage != r.errMsg {
		r.state = snap.ConnectionState
		r.errMsg = snap.ErrorMessage
		if snap.ErrorMessage != "" {
			fmt.Fprintf(r.out, "-- %s: %s\n", snap.ConnectionState, snap.ErrorMessage)
		} else {
			fmt.Fprintf(r.out, "-- %s\n", snap.ConnectionState)
		}
		if snap.NeedsReauthentication {
			fmt.Fprintln(r.out, "-- run fixchat login to refresh your session")
		}
	}

	// A refetch can insert older messages mid-timeline; reprint from the
	// first unseen position only when the tail grew.
	if len(snap.Messages) < r.printed {
		r.printed = 0
	}
	for _, m := range snap.Messages[r.printed:] {
		printMessage(r.out, m)
	}
	r.printed = len(snap.Messages)
}

func printMessage(out io.Writer, m chat.Message) {
	name := m.SenderName
	if name == "" {
		name = fmt.Sprintf("%s#%d", m.SenderType, m.SenderID)
	}
	fmt.Fprintf(out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), name, m.Content)
}
