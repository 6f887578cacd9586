// Command pokerwatch follows a planning poker session from the terminal. It
// joins as a participant, keeps presence alive and logs every change.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"planningpoker/models"
	"planningpoker/protocol"
	"planningpoker/scoring"
	"planningpoker/syncclient"
)

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if opts.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := syncclient.NewAPIClient(opts.Server)

	participantID := opts.ParticipantID
	if participantID == "" {
		p, err := api.Join(ctx, opts.SessionID, opts.Username)
		if err != nil {
			log.Fatal().Err(err).Str("session_id", opts.SessionID).Msg("failed to join session")
		}
		participantID = p.ID
		log.Info().Str("participant_id", participantID).Msg("joined session")
	}

	var client *syncclient.Client
	poller := syncclient.NewPoller(syncclient.PollerOptions{
		SessionID:         opts.SessionID,
		Fetcher:           api,
		Logger:            log.Logger,
		ConnectedInterval: opts.PollInterval,
		Connected: func() bool {
			return client != nil && client.Status() == syncclient.StatusConnected
		},
		OnUpdate: printSession,
	})

	client = syncclient.New(syncclient.Options{
		URL:           websocketURL(opts.Server),
		SessionID:     opts.SessionID,
		ParticipantID: participantID,
		Username:      opts.Username,
		IsAdmin:       opts.Admin,
		Notifier:      api,
		Heartbeater:   api,
		Logger:        log.Logger,
		OnStateChanged: func() {
			poller.Trigger()
		},
		OnPresence: func(msg protocol.Message) {
			log.Info().Str("type", string(msg.Type)).RawJSON("payload", msg.Payload).Msg("presence")
		},
		OnStatusChange: func(s syncclient.Status) {
			log.Info().Str("status", string(s)).Msg("realtime channel")
		},
	})

	if err := client.Connect(); err != nil {
		log.Fatal().Err(err).Msg("failed to start realtime channel")
	}

	go poller.Run(ctx)

	<-ctx.Done()

	connected := client.Status() == syncclient.StatusConnected
	if err := client.Close(); err != nil {
		log.Warn().Err(err).Msg("close failed")
	}
	if !connected {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := api.Leave(leaveCtx, opts.SessionID, participantID); err != nil {
			log.Warn().Err(err).Msg("leave failed")
		}
		cancel()
	}
}

func printSession(sess *models.Session) {
	active := 0
	for _, p := range sess.Participants {
		if p.Status == models.StatusActive {
			active++
		}
	}

	event := log.Info().
		Str("session", sess.Name).
		Int("active", active).
		Int("queued", len(sess.TaskQueue)).
		Int("completed", len(sess.CompletedTasks))

	if task := sess.CurrentTask; task != nil {
		event = event.
			Str("task", task.Description).
			Str("state", string(task.State())).
			Int("votes", len(task.Votes))
		if task.Revealed {
			if mode, ok := scoring.ModeScore(task.Votes, sess.ScoreConfig); ok {
				event = event.Float64("mode_score", mode)
			}
		}
	}
	event.Msg("session")
}
