package loadgen

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/suspiciousleaf/chat-app/internal/codec"
)

// UserConfig drives one virtual user's behaviour.
type UserConfig struct {
	URL   string // HTTP base for token fetch
	WSURL string // websocket base

	TestChannels []string

	NumActions          int
	DelayBeforeActions  time.Duration
	DelayBetweenActions time.Duration

	MaxConnectAttempts int
	ConnectRetryDelay  time.Duration
}

// action is the outcome of one weighted draw.
type action int

const (
	actionNone action = iota
	actionSendMessage
	actionJoinChannel
	actionLeaveChannel
)

// chooseAction maps one random draw in [0,99] to an action given the number
// of held channels and the size of the test-channel pool. Message sends
// dominate at 94%; joins and leaves split the rest, each gated on the held
// count so users keep a plausible subscription spread.
func chooseAction(r, held, pool int) action {
	ceiling := pool
	if ceiling > 11 {
		ceiling = 11
	}
	switch {
	case r >= 6:
		return actionSendMessage
	case r >= 3 && held < ceiling:
		return actionJoinChannel
	case held >= 4:
		return actionLeaveChannel
	default:
		return actionNone
	}
}

// errRunOver signals the server closed the session normally.
var errRunOver = errors.New("loadgen: session closed by server")

// VirtualUser logs in with one provisioned account, connects and performs a
// fixed number of weighted actions. A background listener keeps the held
// channel list in sync with server announcements.
type VirtualUser struct {
	logger  zerolog.Logger
	account Account
	cfg     UserConfig
	rng     *rand.Rand

	mu       sync.Mutex
	client   *Client
	channels []string
	over     bool

	token string
}

// NewVirtualUser builds a user with its own deterministic random stream.
func NewVirtualUser(logger zerolog.Logger, account Account, cfg UserConfig, seed int64) *VirtualUser {
	if cfg.MaxConnectAttempts <= 0 {
		cfg.MaxConnectAttempts = 5
	}
	if cfg.ConnectRetryDelay <= 0 {
		cfg.ConnectRetryDelay = time.Second
	}
	return &VirtualUser{
		logger:  logger.With().Str("username", account.Username).Logger(),
		account: account,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Run executes the full user lifecycle: authenticate, connect, warm up,
// perform the action loop, log out. A user that cannot connect logs the
// failure and returns without failing the whole run.
func (u *VirtualUser) Run(ctx context.Context) {
	token, err := FetchToken(u.cfg.URL, u.account.Username, u.account.Password)
	if err != nil {
		u.logger.Warn().Err(err).Msg("Token fetch failed, user skipped")
		return
	}
	u.token = token

	if err := u.connect(ctx); err != nil {
		u.logger.Warn().Err(err).Msg("Connect failed, user skipped")
		return
	}
	defer u.logout()

	if !sleepCtx(ctx, u.cfg.DelayBeforeActions) {
		return
	}

	for i := 0; i < u.cfg.NumActions; i++ {
		if ctx.Err() != nil || u.isOver() {
			return
		}
		if err := u.performAction(ctx); err != nil {
			if errors.Is(err, errRunOver) {
				return
			}
			u.logger.Info().Err(err).Msg("Action failed")
		}
		if !sleepCtx(ctx, u.cfg.DelayBetweenActions) {
			return
		}
	}
}

// connect dials the websocket with bounded retries and linear backoff, then
// starts the listener for the new socket.
func (u *VirtualUser) connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= u.cfg.MaxConnectAttempts; attempt++ {
		client, err := DialWS(u.cfg.WSURL, u.token)
		if err == nil {
			u.mu.Lock()
			u.client = client
			u.mu.Unlock()
			go u.listen(client)
			return nil
		}
		lastErr = err
		u.logger.Debug().Err(err).Int("attempt", attempt).Msg("Connect attempt failed")
		if attempt < u.cfg.MaxConnectAttempts && !sleepCtx(ctx, u.cfg.ConnectRetryDelay) {
			break
		}
	}
	return fmt.Errorf("connect after %d attempts: %w", u.cfg.MaxConnectAttempts, lastErr)
}

// listen consumes inbound frames until the socket drops, folding any
// channel_subscriptions announcements into the held set.
func (u *VirtualUser) listen(client *Client) {
	for {
		frame, err := client.Receive()
		if err != nil {
			if errors.Is(err, codec.ErrDecode) {
				u.logger.Warn().Err(err).Msg("Discarding undecodable frame")
				continue
			}
			if IsNormalClose(err) {
				u.markOver()
			}
			return
		}
		if frame.Event == codec.EventChannelSubscriptions {
			u.mu.Lock()
			for _, ch := range frame.Data {
				if !containsString(u.channels, ch) {
					u.channels = append(u.channels, ch)
				}
			}
			u.mu.Unlock()
		}
	}
}

func (u *VirtualUser) performAction(ctx context.Context) error {
	held := u.heldChannels()

	// With no subscriptions yet, join a random handful before acting.
	if len(held) == 0 {
		count := 2 + u.rng.Intn(5)
		if count > len(u.cfg.TestChannels) {
			count = len(u.cfg.TestChannels)
		}
		for _, idx := range u.rng.Perm(len(u.cfg.TestChannels))[:count] {
			if err := u.send(ctx, &codec.Frame{
				Event:   codec.EventAddChannel,
				Channel: u.cfg.TestChannels[idx],
			}); err != nil {
				return err
			}
		}
		return nil
	}

	switch chooseAction(u.rng.Intn(100), len(held), len(u.cfg.TestChannels)) {
	case actionSendMessage:
		return u.send(ctx, &codec.Frame{
			Event:   codec.EventMessage,
			Channel: held[u.rng.Intn(len(held))],
			Content: u.randomContent(),
		})

	case actionJoinChannel:
		candidates := make([]string, 0, len(u.cfg.TestChannels))
		for _, ch := range u.cfg.TestChannels {
			if !containsString(held, ch) {
				candidates = append(candidates, ch)
			}
		}
		if len(candidates) == 0 {
			return nil
		}
		return u.send(ctx, &codec.Frame{
			Event:   codec.EventAddChannel,
			Channel: candidates[u.rng.Intn(len(candidates))],
		})

	case actionLeaveChannel:
		channel := held[u.rng.Intn(len(held))]
		if err := u.send(ctx, &codec.Frame{
			Event:   codec.EventLeaveChannel,
			Channel: channel,
		}); err != nil {
			return err
		}
		u.dropChannel(channel)
		return nil
	}
	return nil
}

// send writes a frame, reconnecting once on an unexpected drop. A normal
// close ends the run instead.
func (u *VirtualUser) send(ctx context.Context, f *codec.Frame) error {
	u.mu.Lock()
	client := u.client
	u.mu.Unlock()
	if client == nil {
		return errRunOver
	}

	err := client.Send(f)
	if err == nil {
		return nil
	}
	if u.isOver() || IsNormalClose(err) {
		u.markOver()
		return errRunOver
	}

	u.logger.Info().Err(err).Msg("Send failed, reconnecting")
	if cerr := u.connect(ctx); cerr != nil {
		u.markOver()
		return cerr
	}
	u.mu.Lock()
	client = u.client
	u.mu.Unlock()
	return client.Send(f)
}

// randomContent joins 1..maxMessageWords distinct vocabulary words.
func (u *VirtualUser) randomContent() string {
	count := 1 + u.rng.Intn(maxMessageWords)
	words := make([]string, 0, count)
	for _, idx := range u.rng.Perm(len(sampleWords))[:count] {
		words = append(words, sampleWords[idx])
	}
	return strings.Join(words, " ")
}

func (u *VirtualUser) heldChannels() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.channels))
	copy(out, u.channels)
	return out
}

func (u *VirtualUser) dropChannel(channel string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, ch := range u.channels {
		if ch == channel {
			u.channels = append(u.channels[:i], u.channels[i+1:]...)
			return
		}
	}
}

func (u *VirtualUser) isOver() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.over
}

func (u *VirtualUser) markOver() {
	u.mu.Lock()
	u.over = true
	u.mu.Unlock()
}

func (u *VirtualUser) logout() {
	u.mu.Lock()
	client := u.client
	u.client = nil
	u.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
