// Package verify issues and consumes short-lived verification codes for
// email and SMS flows. Codes live in Redis only; nothing is persisted.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/auth"
)

const (
	codeTTL      = 5 * time.Minute
	sendCooldown = time.Minute
	codeDigits   = 6
)

// consumeScript compares and deletes in one round trip so a code can
// never be spent twice, even under concurrent submits.
var consumeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false then return 0 end
if v ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

// Notifier delivers the generated code out of band.
type Notifier interface {
	Enqueue(ctx context.Context, kind, recipient, template string, vars map[string]string) error
}

// Store issues and verifies one-time codes.
type Store struct {
	rdb      *redis.Client
	notifier Notifier
	logger   *slog.Logger

	// DebugEcho returns the code in the API response instead of (not in
	// addition to) suppressing delivery. Development only.
	DebugEcho bool
}

func NewStore(rdb *redis.Client, notifier Notifier, logger *slog.Logger) *Store {
	return &Store{rdb: rdb, notifier: notifier, logger: logger}
}

func codeKey(targetType, target string) string {
	return fmt.Sprintf("%s_code:%s", targetType, target)
}

func rateKey(targetType, target string) string {
	return fmt.Sprintf("code_rate:%s:%s", targetType, target)
}

// Send generates a code for the target and queues delivery. At most one
// code per target per minute; a newer code replaces the older one. The
// returned echo is empty unless DebugEcho is on.
func (s *Store) Send(ctx context.Context, targetType, target string) (echo string, err error) {
	ok, err := s.rdb.SetNX(ctx, rateKey(targetType, target), 1, sendCooldown).Result()
	if err != nil {
		return "", apierr.ServiceUnavailable("verification backend is unavailable", err)
	}
	if !ok {
		return "", apierr.New(apierr.KindCodeSendRateLimited, "a code was sent recently, try again in a minute")
	}

	code, err := auth.GenerateNumericCode(codeDigits)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	if err := s.rdb.Set(ctx, codeKey(targetType, target), code, codeTTL).Err(); err != nil {
		// No code was stored; leaving the rate key would lock the target
		// out of resends with nothing to verify.
		s.rdb.Del(ctx, rateKey(targetType, target))
		return "", apierr.ServiceUnavailable("verification backend is unavailable", err)
	}

	if s.DebugEcho {
		s.logger.Warn("verification_code_echoed", "target_type", targetType, "target", target)
		return code, nil
	}

	if err := s.notifier.Enqueue(ctx, targetType, target, "verification_code", map[string]string{"code": code}); err != nil {
		// The code is already stored; a delivery hiccup should not strand
		// the rate key for a minute with nothing sent.
		s.rdb.Del(ctx, rateKey(targetType, target))
		return "", apierr.ServiceUnavailable("could not queue the verification message", err)
	}

	s.logger.Info("verification_code_sent", "target_type", targetType, "target", target)
	return "", nil
}

// VerifyAndConsume atomically checks the submitted code and deletes it.
// Wrong, expired and missing codes are indistinguishable to the caller.
func (s *Store) VerifyAndConsume(ctx context.Context, targetType, target, code string) error {
	if code == "" {
		return apierr.CodeInvalidLogin()
	}
	n, err := consumeScript.Run(ctx, s.rdb, []string{codeKey(targetType, target)}, code).Int()
	if err != nil {
		return apierr.ServiceUnavailable("verification backend is unavailable", err)
	}
	if n != 1 {
		return apierr.CodeInvalidLogin()
	}
	return nil
}
