package main

import (
	"errors"
	"flag"
	"os"
	"strings"
	"time"
)

type options struct {
	Server        string
	SessionID     string
	Username      string
	ParticipantID string
	Admin         bool
	PollInterval  time.Duration
	LogFormat     string
}

// parseFlags reads flags, falling back to POKER_* environment variables.
func parseFlags(args []string) (options, error) {
	var opts options

	fs := flag.NewFlagSet("pokerwatch", flag.ContinueOnError)
	fs.StringVar(&opts.Server, "server", "", "Server base URL, e.g. http://localhost:8080")
	fs.StringVar(&opts.SessionID, "session", "", "Session id to watch")
	fs.StringVar(&opts.Username, "user", "", "Username to join with")
	fs.StringVar(&opts.ParticipantID, "participant", "", "Existing participant id (skips join)")
	fs.BoolVar(&opts.Admin, "admin", false, "Announce as the session admin")
	fs.DurationVar(&opts.PollInterval, "poll", 10*time.Second, "Poll interval while connected")
	fs.StringVar(&opts.LogFormat, "log-format", "console", "Log format (console or json)")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if opts.Server == "" {
		opts.Server = os.Getenv("POKER_SERVER")
	}
	if opts.Server == "" {
		opts.Server = "http://localhost:8080"
	}
	opts.Server = strings.TrimRight(opts.Server, "/")

	if opts.SessionID == "" {
		opts.SessionID = os.Getenv("POKER_SESSION")
	}
	if opts.SessionID == "" {
		return options{}, errors.New("session id required (use -session or POKER_SESSION env)")
	}

	if opts.Username == "" {
		opts.Username = os.Getenv("POKER_USER")
	}
	if opts.Username == "" {
		return options{}, errors.New("username required (use -user or POKER_USER env)")
	}

	if opts.PollInterval <= 0 {
		return options{}, errors.New("poll interval must be positive")
	}
	return opts, nil
}

// websocketURL derives the hub endpoint from the server base URL.
func websocketURL(server string) string {
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://") + "/ws"
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://") + "/ws"
	default:
		return server + "/ws"
	}
}
