package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	natspkg "github.com/brojonat/splitledger/service/nats"
	"github.com/brojonat/splitledger/service/split"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// LedgerStream relays indexed split transactions from JetStream to Server-Sent Events clients.
type LedgerStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewLedgerStream connects to NATS for SSE relaying.
func NewLedgerStream(natsURL string, logger *slog.Logger) (*LedgerStream, error) {
	nc, err := natspkg.Connect(natsURL, "splitledger-sse")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("ledger stream initialized", "nats_url", natsURL)

	return &LedgerStream{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (p *LedgerStream) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("ledger stream closed")
	}
	return nil
}

// streamSubject picks the JetStream filter for a stream request.
// An empty address follows every split.
func streamSubject(address string) (string, bool) {
	if address == "" {
		return natspkg.TxnSubjectPrefix + ".*", true
	}
	normalized, ok := split.NormalizeAddress(address)
	if !ok {
		return "", false
	}
	return natspkg.TxnSubject(normalized), true
}

// handleStreamTransactions streams newly indexed split transactions.
// GET /api/split/stream/{splitAddress} or GET /api/split/stream for all splits.
func handleStreamTransactions(stream *LedgerStream, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("splitAddress")
		subject, ok := streamSubject(address)
		if !ok {
			writeError(w, split.CodeInvalidSplitAddress, http.StatusBadRequest)
			return
		}
		splitDesc := address
		if splitDesc == "" {
			splitDesc = "all splits"
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flush := func() {
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		}
		flush()

		logger.DebugContext(r.Context(), "SSE client connected",
			"split", splitDesc,
			"remote_addr", r.RemoteAddr,
		)

		// Ephemeral consumer, removed when the connection closes
		cons, err := stream.js.CreateOrUpdateConsumer(r.Context(), natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject: subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create consumer",
				"split", splitDesc,
				"error", err,
			)
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
			return
		}

		msgChan := make(chan jetstream.Msg, 10)
		doneChan := make(chan struct{})

		go func() {
			defer close(doneChan)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-r.Context().Done():
				}
			})
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to start consuming messages", "error", err)
				return
			}
			<-r.Context().Done()
			cc.Stop()
		}()

		fmt.Fprintf(w, "event: connected\ndata: {\"split\":%q}\n\n", splitDesc)
		flush()

		keepalive := time.NewTicker(10 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flush()

			case msg := <-msgChan:
				var event natspkg.SplitTransactionEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					logger.WarnContext(r.Context(), "failed to unmarshal event", "error", err)
					msg.Ack()
					continue
				}

				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal event", "error", err)
					msg.Ack()
					continue
				}

				fmt.Fprintf(w, "event: transaction\ndata: %s\n\n", data)
				flush()
				msg.Ack()

				logger.DebugContext(r.Context(), "sent transaction event",
					"split", event.SplitAddress,
					"tx_hash", event.TxHash,
				)

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"split", splitDesc,
					"remote_addr", r.RemoteAddr,
				)
				return

			case <-doneChan:
				return
			}
		}
	})
}
