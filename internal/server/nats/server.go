// Package nats serves the broker operations as NATS request/reply subjects.
//
// Every subject answers with a Reply envelope; errors carry the same kind
// strings as the HTTP error model.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/ekisa-team/rvcbroker/internal/fault"
	"github.com/ekisa-team/rvcbroker/internal/progress"
	"github.com/ekisa-team/rvcbroker/internal/service"
)

// Subject suffixes under the configured prefix.
const (
	SubjectConvert    = "convert"
	SubjectSynthesize = "synthesize"
	SubjectModels     = "models"
	SubjectLoadModel  = "models.load"
	SubjectStatus     = "status"
)

var ErrAlreadyStarted = errors.New("nats server already started")

type (
	// ConvertRequest is the payload of the convert subject.
	ConvertRequest struct {
		InputAudio string   `json:"input_audio"`
		ModelName  string   `json:"model_name"`
		Pitch      int      `json:"pitch,omitempty"`
		F0Method   string   `json:"f0_method,omitempty"`
		IndexRate  *float64 `json:"index_rate,omitempty"`
		OutputName string   `json:"output_name,omitempty"`
	}

	// SynthesizeRequest is the payload of the synthesize subject.
	SynthesizeRequest struct {
		Text  string `json:"text"`
		Voice string `json:"voice,omitempty"`
		Rate  int    `json:"rate,omitempty"`
		Pitch int    `json:"pitch,omitempty"`
	}

	// LoadModelRequest is the payload of the models.load subject.
	LoadModelRequest struct {
		ModelName string `json:"model_name"`
	}

	// Model describes one catalog entry.
	Model struct {
		Name     string  `json:"name"`
		Path     string  `json:"path"`
		HasIndex bool    `json:"has_index"`
		SizeMB   float64 `json:"size_mb"`
	}

	// Reply is the envelope of every response.
	Reply struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result,omitempty"`
		Error  *ReplyError     `json:"error,omitempty"`
	}

	// ReplyError describes a failed request.
	ReplyError struct {
		Kind   string `json:"kind"`
		Detail string `json:"detail"`
	}
)

// Server subscribes the broker operations on a NATS connection.
type Server struct {
	conn   *nats.Conn
	broker *service.Broker
	prefix string
	queue  string
	subs   []*nats.Subscription
}

// NewServer creates a server. Subjects are "<prefix>.<operation>" and every
// subscription joins queue so several brokers can share the load.
func NewServer(conn *nats.Conn, broker *service.Broker, prefix, queue string) *Server {
	return &Server{
		conn:   conn,
		broker: broker,
		prefix: strings.TrimSuffix(prefix, "."),
		queue:  queue,
	}
}

// Subject returns the full subject for an operation suffix.
func (s *Server) Subject(op string) string {
	if s.prefix == "" {
		return op
	}
	return s.prefix + "." + op
}

// Start subscribes every operation.
func (s *Server) Start() error {
	if len(s.subs) > 0 {
		return ErrAlreadyStarted
	}

	handlers := map[string]func(*nats.Msg) (any, error){
		SubjectConvert:    s.handleConvert,
		SubjectSynthesize: s.handleSynthesize,
		SubjectModels:     s.handleModels,
		SubjectLoadModel:  s.handleLoadModel,
		SubjectStatus:     s.handleStatus,
	}

	for op, handle := range handlers {
		subject := s.Subject(op)
		sub, err := s.conn.QueueSubscribe(subject, s.queue, s.reply(subject, handle))
		if err != nil {
			_ = s.Stop()
			return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	slog.Info("NATS subjects subscribed", "prefix", s.prefix, "queue", s.queue, "url", s.conn.ConnectedUrl())

	return nil
}

// Run starts the server and drains the subscriptions when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	<-ctx.Done()

	return s.Stop()
}

// Stop drains every subscription.
func (s *Server) Stop() error {
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("failed to drain subscription %s: %w", sub.Subject, err))
		}
	}
	s.subs = nil

	return errors.Join(errs...)
}

func (s *Server) reply(subject string, handle func(*nats.Msg) (any, error)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		result, err := handle(msg)

		reply := Reply{OK: err == nil}
		if err != nil {
			reply.Error = &ReplyError{Kind: string(fault.KindOf(err)), Detail: err.Error()}
		} else if reply.Result, err = json.Marshal(result); err != nil {
			reply = Reply{Error: &ReplyError{Kind: string(fault.KindInternal), Detail: err.Error()}}
		}

		data, err := json.Marshal(&reply)
		if err != nil {
			slog.Error("Failed to marshal reply", "subject", subject, "error", err)
			return
		}

		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Error("Failed to publish reply", "subject", subject, "error", err)
		}
	}
}

func decode(msg *nats.Msg, v any) error {
	if len(msg.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("%w: invalid request payload: %w", fault.ErrValidation, err)
	}
	return nil
}

// requestContext carries the job id set in the message headers, if any.
func requestContext(msg *nats.Msg) (context.Context, error) {
	ctx := context.Background()

	id := msg.Header.Get(progress.JobIDHeader)
	if id == "" {
		return ctx, nil
	}
	if !progress.ValidJobID(id) {
		return nil, progress.ErrInvalidJobID
	}

	return progress.WithJobID(ctx, id), nil
}

func (s *Server) handleConvert(msg *nats.Msg) (any, error) {
	var req ConvertRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	ctx, err := requestContext(msg)
	if err != nil {
		return nil, err
	}

	return s.broker.Convert(ctx, &service.ConvertRequest{
		InputAudio: req.InputAudio,
		ModelName:  req.ModelName,
		Pitch:      req.Pitch,
		F0Method:   req.F0Method,
		IndexRate:  req.IndexRate,
		OutputName: req.OutputName,
	})
}

func (s *Server) handleSynthesize(msg *nats.Msg) (any, error) {
	var req SynthesizeRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}

	ctx, err := requestContext(msg)
	if err != nil {
		return nil, err
	}

	return s.broker.Synthesize(ctx, &service.SynthesizeRequest{
		Text:  req.Text,
		Voice: req.Voice,
		Rate:  req.Rate,
		Pitch: req.Pitch,
	})
}

func (s *Server) handleModels(*nats.Msg) (any, error) {
	models, err := s.broker.Models()
	if err != nil {
		return nil, err
	}

	out := make([]Model, 0, len(models))
	for _, m := range models {
		out = append(out, Model{Name: m.Name, Path: m.Dir, HasIndex: m.HasIndex(), SizeMB: m.SizeMB()})
	}

	return out, nil
}

func (s *Server) handleLoadModel(msg *nats.Msg) (any, error) {
	var req LoadModelRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}

	ctx, err := requestContext(msg)
	if err != nil {
		return nil, err
	}

	return s.broker.LoadModel(ctx, req.ModelName)
}

func (s *Server) handleStatus(*nats.Msg) (any, error) {
	return s.broker.Status(), nil
}
