// Package challenge publishes authentication challenges for the operator: a
// QR image written to disk and served over HTTP, and a numeric pairing code.
// Both can be mirrored to an operator chat.
//
// The publisher only stores artifacts. It never drives connection state.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"notifygw/internal/eventbus"
	rtsup "notifygw/internal/runtime/supervisor"
	"notifygw/pkg/logx"
)

const (
	FileName     = "qr.png"
	DefaultSize  = 512
	DefaultGrace = 2 * time.Minute

	mirrorTimeout = 15 * time.Second
)

type Config struct {
	Dir  string
	Size int
	// Grace is how long an artifact stays fresh; older ones are reported stale.
	Grace time.Duration
	// Terminal prints a compact QR to TerminalOut for headless setups.
	Terminal    bool
	TerminalOut io.Writer
}

// Mirror forwards challenges to an out-of-band operator channel.
type Mirror interface {
	SendChallengeImage(ctx context.Context, png []byte, caption string) error
	SendPairingCode(ctx context.Context, code string) error
}

// Kind labels challenge events on the bus.
type Kind string

const (
	KindQR          Kind = "qr"
	KindPairingCode Kind = "pairing_code"
	KindCleared     Kind = "cleared"
)

type Publisher struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	mirror Mirror
	// rt owns in-flight mirror sends.
	rt *rtsup.Supervisor

	mu     sync.RWMutex
	png    []byte
	qrAt   time.Time
	code   string
	codeAt time.Time
}

func New(cfg Config, bus eventbus.Bus, mirror Mirror, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("challenge.dir is required")
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.TerminalOut == nil {
		cfg.TerminalOut = logx.Stdout()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "challenge"))
	p := &Publisher{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		mirror: mirror,
		rt:     rtsup.New(context.Background(), rtsup.WithLogger(log)),
	}
	// A leftover artifact belongs to a previous process.
	p.removeArtifact()
	return p, nil
}

// Path is where the QR artifact is written.
func (p *Publisher) Path() string { return filepath.Join(p.cfg.Dir, FileName) }

// PublishVisualChallenge renders payload as a PNG QR code and replaces the
// artifact atomically. It returns the artifact path.
func (p *Publisher) PublishVisualChallenge(payload string) (string, error) {
	if payload == "" {
		return "", errors.New("empty challenge payload")
	}
	q, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	png, err := q.PNG(p.cfg.Size)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	path := p.Path()
	if err := writeAtomic(path, png); err != nil {
		return "", fmt.Errorf("write qr artifact: %w", err)
	}

	now := time.Now()
	p.mu.Lock()
	p.png = png
	p.qrAt = now
	p.mu.Unlock()

	if p.cfg.Terminal {
		_, _ = fmt.Fprintf(p.cfg.TerminalOut, "\nScan to link the gateway:\n%s\n", q.ToSmallString(false))
	}
	p.publish(KindQR, now)
	if p.mirror != nil {
		p.mirrorDo("qr", func(ctx context.Context) error {
			return p.mirror.SendChallengeImage(ctx, png, "Scan to link the notification gateway")
		})
	}
	return path, nil
}

// PublishPairingCode stores the latest pairing code.
func (p *Publisher) PublishPairingCode(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("empty pairing code")
	}
	now := time.Now()
	p.mu.Lock()
	p.code = code
	p.codeAt = now
	p.mu.Unlock()

	p.log.Info("pairing code available", logx.String("code", code))
	p.publish(KindPairingCode, now)
	if p.mirror != nil {
		p.mirrorDo("pairing_code", func(ctx context.Context) error {
			return p.mirror.SendPairingCode(ctx, code)
		})
	}
	return nil
}

// Clear removes the artifact and forgets the pairing code.
func (p *Publisher) Clear() {
	p.mu.Lock()
	had := p.png != nil || p.code != ""
	p.png = nil
	p.qrAt = time.Time{}
	p.code = ""
	p.codeAt = time.Time{}
	p.mu.Unlock()

	p.removeArtifact()
	if had {
		p.publish(KindCleared, time.Now())
	}
}

// Visual returns the current QR image.
func (p *Publisher) Visual() (png []byte, issuedAt time.Time, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.png == nil {
		return nil, time.Time{}, false
	}
	return p.png, p.qrAt, true
}

func (p *Publisher) PairingCode() (code string, issuedAt time.Time, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.code == "" {
		return "", time.Time{}, false
	}
	return p.code, p.codeAt, true
}

// Pending reports whether any challenge artifact is outstanding.
func (p *Publisher) Pending() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.png != nil || p.code != ""
}

// Stale reports whether the newest artifact is older than the grace period.
func (p *Publisher) Stale(now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	latest := p.qrAt
	if p.codeAt.After(latest) {
		latest = p.codeAt
	}
	if latest.IsZero() {
		return false
	}
	return now.Sub(latest) > p.cfg.Grace
}

func (p *Publisher) publish(kind Kind, at time.Time) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeChallenge, Time: at, Data: kind})
}

// Close cancels in-flight mirror sends and waits for them to return.
func (p *Publisher) Close(ctx context.Context) error {
	return p.rt.Stop(ctx)
}

func (p *Publisher) mirrorDo(what string, fn func(ctx context.Context) error) {
	p.rt.Go0("challenge.mirror."+what, func(rc context.Context) {
		ctx, cancel := context.WithTimeout(rc, mirrorTimeout)
		defer cancel()
		if err := fn(ctx); err != nil && rc.Err() == nil {
			p.log.Warn("operator mirror failed", logx.String("what", what), logx.Err(err))
		}
	})
}

func (p *Publisher) removeArtifact() {
	if err := os.Remove(p.Path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		p.log.Warn("remove qr artifact failed", logx.Err(err))
	}
}

func writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Chmod(0o644); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
