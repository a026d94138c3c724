package participantservice

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojodb-txncoord/core/transaction"
	internaltelemetry "github.com/sushant-115/gojodb-txncoord/internal/telemetry"
	"github.com/sushant-115/gojodb-txncoord/pkg/connection"
)

const defaultRPCTimeout = 10 * time.Second

// ClientConfig tunes the coordinator side of the protocol.
type ClientConfig struct {
	RPCTimeout time.Duration `yaml:"rpc_timeout"`
	// RateLimit caps outgoing RPCs per second across all participants. Zero
	// disables the limit.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// Client implements transaction.ParticipantClient over gRPC. Participants
// are routed by id to addresses; connections come from a shared pool.
type Client struct {
	pool    *connection.ConnectionPoolManager
	limiter *rate.Limiter
	metrics *internaltelemetry.ParticipantRPCMetrics
	logger  *zap.Logger
	timeout time.Duration

	mu        sync.RWMutex
	addresses map[transaction.ParticipantID]string
}

var _ transaction.ParticipantClient = (*Client)(nil)

func NewClient(pool *connection.ConnectionPoolManager, addresses map[transaction.ParticipantID]string, cfg ClientConfig, metrics *internaltelemetry.ParticipantRPCMetrics, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = defaultRPCTimeout
	}
	c := &Client{
		pool:      pool,
		metrics:   metrics,
		logger:    logger.Named("participant_client"),
		timeout:   cfg.RPCTimeout,
		addresses: maps.Clone(addresses),
	}
	if c.addresses == nil {
		c.addresses = make(map[transaction.ParticipantID]string)
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.Burst, 1))
	}
	return c
}

// SetAddress routes participant to address, replacing any earlier route.
func (c *Client) SetAddress(participant transaction.ParticipantID, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addresses[participant] = address
}

func (c *Client) address(participant transaction.ParticipantID) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, ok := c.addresses[participant]
	return addr, ok
}

func (c *Client) SendPrepare(ctx context.Context, participant transaction.ParticipantID, req transaction.PrepareRequest) (transaction.Vote, error) {
	resp := new(PrepareResponse)
	err := c.invoke(ctx, participant, prepareMethod, &PrepareRequest{Participant: participant, Key: req.Key}, resp)
	if err != nil {
		return transaction.Vote{}, err
	}
	return resp.Vote, nil
}

func (c *Client) SendDecision(ctx context.Context, participant transaction.ParticipantID, req transaction.DecisionRequest) error {
	resp := new(DecisionResponse)
	err := c.invoke(ctx, participant, decisionMethod, &DecisionRequest{Participant: participant, Key: req.Key, Decision: req.Decision}, resp)
	if err != nil {
		return err
	}
	if !resp.Acknowledged {
		return fmt.Errorf("%w: %s did not acknowledge the decision", transaction.ErrRetryable, participant)
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, participant transaction.ParticipantID, method string, req, resp any) error {
	addr, ok := c.address(participant)
	if !ok {
		return fmt.Errorf("%w %q: no address configured", transaction.ErrUnknownParticipant, participant)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}
	conn, err := c.pool.Get(addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	done := c.metrics.Start(ctx, path.Base(method), string(participant))
	err = conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(codecName))
	done(status.Code(err).String())
	if err != nil {
		c.logger.Debug("Participant RPC failed",
			zap.String("method", path.Base(method)),
			zap.String("participant", string(participant)),
			zap.String("address", addr),
			zap.Error(err))
	}
	return fromStatus(err)
}

// fromStatus maps a gRPC status back to the errors the coordinator acts on.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", transaction.ErrNoSuchTransaction, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", transaction.ErrDecisionMismatch, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", transaction.ErrUnknownParticipant, st.Message())
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%w: %w", transaction.ErrRetryable, err)
	case codes.Canceled:
		return errors.Join(context.Canceled, err)
	}
	return err
}
