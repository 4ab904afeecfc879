// Package daemonpool manages the per-user mining daemons and the pool of
// unique ports they bind.
package daemonpool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/FitChain-Labs/reward_layer/internal/app/domain/daemon"
	"github.com/FitChain-Labs/reward_layer/internal/app/metrics"
	"github.com/FitChain-Labs/reward_layer/internal/app/storage"
	"github.com/FitChain-Labs/reward_layer/pkg/logger"
)

// ErrPoolExhausted is returned when no port remains for a new daemon.
var ErrPoolExhausted = errors.New("daemon port pool exhausted")

// Config sizes the port pool.
type Config struct {
	BasePort int
	PoolSize int
}

// DefaultConfig returns the production pool bounds.
func DefaultConfig() Config {
	return Config{BasePort: 18500, PoolSize: 1000}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BasePort <= 0 {
		c.BasePort = def.BasePort
	}
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	return c
}

// Service allocates one daemon per user and guarantees port uniqueness across
// held records. All check-then-act sequences run under a single mutex.
type Service struct {
	store storage.DaemonStore
	cfg   Config
	log   *logger.Logger

	mu       sync.Mutex
	held     map[int]string
	freed    []int
	nextPort int
}

// New constructs the pool. Call Restore before serving traffic so persisted
// port assignments survive a restart.
func New(store storage.DaemonStore, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("daemonpool")
	}
	cfg = cfg.withDefaults()
	return &Service{
		store:    store,
		cfg:      cfg,
		log:      log,
		held:     make(map[int]string),
		nextPort: cfg.BasePort + 1,
	}
}

// Restore rebuilds the allocated-port set from the store.
func (s *Service) Restore(ctx context.Context) error {
	records, err := s.store.ListDaemons(ctx)
	if err != nil {
		return fmt.Errorf("list daemons: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if rec.Port == 0 || rec.Status == daemon.StatusStopped {
			continue
		}
		s.held[rec.Port] = rec.UserID
		if rec.Port >= s.nextPort {
			s.nextPort = rec.Port + 1
		}
	}
	metrics.SetPortsAllocated(len(s.held))
	s.log.WithField("ports", len(s.held)).Info("daemon pool restored")
	return nil
}

// Allocate returns the user's running daemon, creating and starting one if
// needed. Calling it again while the daemon is running is a no-op.
func (s *Service) Allocate(ctx context.Context, userID string) (daemon.Record, error) {
	if userID == "" {
		return daemon.Record{}, fmt.Errorf("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetDaemon(ctx, userID)
	switch {
	case err == nil:
		if rec.Status == daemon.StatusRunning {
			return rec, nil
		}
	case errors.Is(err, storage.ErrNotFound):
		rec = daemon.Record{UserID: userID, Status: daemon.StatusInactive}
	default:
		return daemon.Record{}, err
	}

	port := rec.Port
	if port == 0 || s.held[port] != userID {
		port, err = s.acquirePortLocked(userID)
		if err != nil {
			return daemon.Record{}, err
		}
	}

	rec.Port = port
	rec.Status = daemon.StatusStarting
	if rec.WalletAddress == "" {
		addr, err := deriveWalletAddress(userID)
		if err != nil {
			s.releasePortLocked(port)
			return daemon.Record{}, fmt.Errorf("derive wallet address: %w", err)
		}
		rec.WalletAddress = addr
	}

	if rec, err = s.store.PutDaemon(ctx, rec); err != nil {
		s.releasePortLocked(port)
		return daemon.Record{}, fmt.Errorf("persist starting daemon: %w", err)
	}

	rec.Status = daemon.StatusRunning
	if rec, err = s.store.PutDaemon(ctx, rec); err != nil {
		s.releasePortLocked(port)
		return daemon.Record{}, fmt.Errorf("persist running daemon: %w", err)
	}

	metrics.SetPortsAllocated(len(s.held))
	s.log.WithField("user_id", userID).WithField("port", rec.Port).Info("daemon allocated")
	return rec, nil
}

// Release stops the user's daemon and returns its port to the pool. Releasing
// an unknown or already-stopped daemon is a no-op.
func (s *Service) Release(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetDaemon(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status == daemon.StatusStopped {
		return nil
	}

	port := rec.Port
	rec.Port = 0
	rec.Status = daemon.StatusStopped
	rec.MiningActive = false
	if _, err := s.store.PutDaemon(ctx, rec); err != nil {
		return fmt.Errorf("persist stopped daemon: %w", err)
	}
	s.releasePortLocked(port)

	metrics.SetPortsAllocated(len(s.held))
	s.log.WithField("user_id", userID).WithField("port", port).Info("daemon released")
	return nil
}

// Status returns the user's daemon record, or an explicit inactive record when
// none exists.
func (s *Service) Status(ctx context.Context, userID string) (daemon.Record, error) {
	rec, err := s.store.GetDaemon(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return daemon.Record{UserID: userID, Status: daemon.StatusInactive}, nil
	}
	if err != nil {
		return daemon.Record{}, err
	}
	return rec, nil
}

func (s *Service) acquirePortLocked(userID string) (int, error) {
	for len(s.freed) > 0 {
		port := s.freed[len(s.freed)-1]
		s.freed = s.freed[:len(s.freed)-1]
		if _, taken := s.held[port]; taken {
			continue
		}
		s.held[port] = userID
		return port, nil
	}

	limit := s.cfg.BasePort + s.cfg.PoolSize
	for s.nextPort <= limit {
		port := s.nextPort
		s.nextPort++
		if _, taken := s.held[port]; taken {
			continue
		}
		s.held[port] = userID
		return port, nil
	}
	return 0, ErrPoolExhausted
}

func (s *Service) releasePortLocked(port int) {
	if port == 0 {
		return
	}
	delete(s.held, port)
	s.freed = append(s.freed, port)
}

// deriveWalletAddress builds the user's wallet address from their identity and
// a one-time random salt. The address is persisted on first allocation and
// never regenerated.
func deriveWalletAddress(userID string) (string, error) {
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	digest := sha3.Sum256(append([]byte(userID), salt...))
	return "0x" + hex.EncodeToString(digest[:20]), nil
}
