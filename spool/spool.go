// Package spool stores messages received by a wren server on disk. Each
// message is written to <id>.eml with its envelope in <id>.msgp.
package spool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/synqronlabs/wren"
	"github.com/synqronlabs/wren/utils"
)

// Factory is a wren.MessageHandlerFactory writing messages to a directory.
type Factory struct {
	dir    string
	logger *slog.Logger
}

// NewFactory returns a Factory spooling to dir, creating it if needed.
func NewFactory(dir string, logger *slog.Logger) (*Factory, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{dir: dir, logger: logger}, nil
}

// Dir returns the spool directory.
func (f *Factory) Dir() string { return f.dir }

func (f *Factory) Create(mc wren.MessageContext) wren.MessageHandler {
	return &handler{
		factory:  f,
		envelope: newEnvelope(mc),
		logger:   mc.Logger(),
	}
}

func newEnvelope(mc wren.MessageContext) Envelope {
	e := Envelope{
		SessionID:  mc.SessionID(),
		Helo:       mc.Helo(),
		RemoteAddr: mc.RemoteAddr().String(),
		TLS:        mc.IsTLS(),
	}
	if auth := mc.AuthenticationHandler(); auth != nil {
		e.AuthIdentity = auth.Identity()
	}
	return e
}

type handler struct {
	factory  *Factory
	envelope Envelope
	logger   *slog.Logger
}

func (h *handler) From(ctx context.Context, from string) error {
	h.envelope.Sender = utils.NormalizeAddress(from)
	return nil
}

func (h *handler) Recipient(ctx context.Context, to string) error {
	h.envelope.Recipients = append(h.envelope.Recipients, utils.NormalizeAddress(to))
	return nil
}

func (h *handler) Data(ctx context.Context, r io.Reader) error {
	id := ulid.Make().String()
	base := filepath.Join(h.factory.dir, id)

	tmp, err := os.CreateTemp(h.factory.dir, id+".*.tmp")
	if err != nil {
		return h.localError("create", err)
	}
	defer os.Remove(tmp.Name())

	src := &trackingReader{r: r}
	n, err := io.Copy(tmp, src)
	if src.err != nil {
		tmp.Close()
		return src.err
	}
	if err != nil {
		tmp.Close()
		return h.localError("write", err)
	}
	if err := tmp.Close(); err != nil {
		return h.localError("close", err)
	}

	h.envelope.ID = id
	h.envelope.ReceivedAt = time.Now().UTC()
	h.envelope.Size = n
	data, err := h.envelope.MarshalMsg(nil)
	if err != nil {
		return h.localError("encode envelope", err)
	}
	if err := os.WriteFile(base+".msgp", data, 0o640); err != nil {
		return h.localError("write envelope", err)
	}
	if err := os.Rename(tmp.Name(), base+".eml"); err != nil {
		os.Remove(base + ".msgp")
		return h.localError("rename", err)
	}

	h.logger.Info("message spooled",
		slog.String("id", id),
		slog.Int64("size", n),
		slog.Int("recipients", len(h.envelope.Recipients)),
	)
	return nil
}

func (h *handler) Done() error {
	return nil
}

func (h *handler) localError(op string, err error) error {
	h.logger.Error("spool failed", slog.String("op", op), slog.Any("error", err))
	return wren.Reject(wren.CodeLocalError, "Error: local error in processing").WithEnhancedCode("4.3.0")
}

// trackingReader remembers a read error so it can be told apart from a
// write error after io.Copy.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		t.err = err
	}
	return n, err
}
