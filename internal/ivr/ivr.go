// Package ivr drives the touch-tone menu a caller lands in before the AI
// conversation takes over. All state lives in the session store so any node
// handling a webhook can continue the call.
package ivr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/internal/session"
	"github.com/troikatech/voice-pipeline/pkg/faults"
	"github.com/troikatech/voice-pipeline/pkg/utils"
)

// Menu states stored in the session
const (
	StateNew       = "new"
	StateMenuRoot  = "menu_root"
	StateSales     = "menu_sales"
	StateSupport   = "menu_support"
	StateAIHandoff = "ai_handoff"
	StateEnded     = "ended"
)

const rootPrompt = "Press 1 for sales, 2 for support, 3 to hear your caller I D, or 0 to talk to our assistant."

// Action tells the telephony layer what to do next. DTMF digits arrive
// continuously on the media stream, so prompts never need to request input.
type Action struct {
	// Say is spoken to the caller before anything else
	Say string
	// Handoff hands the call to the AI conversation engine
	Handoff bool
	// Hangup ends the call
	Hangup bool
}

// Config tunes the menu behavior
type Config struct {
	MaxRetries int
	SessionTTL time.Duration
}

// StateMachine resolves menu transitions against the session store
type StateMachine struct {
	cfg      Config
	sessions session.Store
	logger   *zap.Logger
}

func NewStateMachine(cfg Config, sessions session.Store, logger *zap.Logger) *StateMachine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 5 * time.Minute
	}
	return &StateMachine{cfg: cfg, sessions: sessions, logger: logger}
}

// StartCall creates the session and returns the greeting action
func (m *StateMachine) StartCall(ctx context.Context, callID, phoneNumber string) (*Action, error) {
	now := time.Now()
	sess := &session.CallSession{
		CallID:       callID,
		PhoneNumber:  phoneNumber,
		MenuState:    StateMenuRoot,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := m.sessions.Put(ctx, sess, m.cfg.SessionTTL); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.logger.Info("Call entered menu",
		zap.String("call_id", callID),
		zap.String("caller", utils.MaskPhoneNumber(phoneNumber)),
	)

	return &Action{Say: "Welcome. " + rootPrompt}, nil
}

// OnDigit applies one DTMF digit to the call's menu state. The transition
// runs inside an atomic session update so concurrent deliveries cannot
// double-count retries or resurrect an ended call.
func (m *StateMachine) OnDigit(ctx context.Context, callID, digit string) (*Action, error) {
	var action *Action

	_, err := m.sessions.Update(ctx, callID, m.cfg.SessionTTL, func(sess *session.CallSession) error {
		a, err := m.transition(sess, digit)
		if err != nil {
			return err
		}
		action = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return action, nil
}

func (m *StateMachine) transition(sess *session.CallSession, digit string) (*Action, error) {
	switch sess.MenuState {
	case StateEnded:
		// Late webhook after hangup. Log and ignore.
		m.logger.Debug("Digit received after call ended",
			zap.String("call_id", sess.CallID),
			zap.String("digit", digit),
		)
		return nil, faults.StateViolation("ivr", fmt.Errorf("call %s already ended", sess.CallID))

	case StateAIHandoff:
		// Digits during the AI conversation are not menu input.
		return &Action{}, nil

	case StateNew, StateMenuRoot:
		return m.rootDigit(sess, digit), nil

	case StateSales, StateSupport:
		// Any digit in a sub-menu returns to the root menu.
		sess.MenuState = StateMenuRoot
		sess.RetryCount = 0
		return &Action{Say: rootPrompt}, nil

	default:
		return nil, faults.StateViolation("ivr", fmt.Errorf("unknown menu state %q", sess.MenuState))
	}
}

func (m *StateMachine) rootDigit(sess *session.CallSession, digit string) *Action {
	switch digit {
	case "1":
		sess.MenuState = StateSales
		sess.RetryCount = 0
		return &Action{Say: "Our sales team is available Monday through Friday, nine to six. Press any key to return to the menu."}
	case "2":
		sess.MenuState = StateSupport
		sess.RetryCount = 0
		return &Action{Say: "For support, please have your order number ready. Press any key to return to the menu."}
	case "3":
		sess.RetryCount = 0
		return &Action{Say: "You are calling from " + spellDigits(sess.PhoneNumber) + ". " + rootPrompt}
	case "0":
		sess.MenuState = StateAIHandoff
		sess.RetryCount = 0
		return &Action{Handoff: true}
	default:
		sess.RetryCount++
		if sess.RetryCount >= m.cfg.MaxRetries {
			m.logger.Info("Menu retries exhausted, ending call",
				zap.String("call_id", sess.CallID),
				zap.Int("retries", sess.RetryCount),
			)
			sess.MenuState = StateEnded
			return &Action{
				Say:    "Sorry, we could not understand your selection. Goodbye.",
				Hangup: true,
			}
		}
		return &Action{Say: "Sorry, that is not a valid option. " + rootPrompt}
	}
}

// EndCall marks the session ended so late events become no-ops
func (m *StateMachine) EndCall(ctx context.Context, callID string) error {
	_, err := m.sessions.Update(ctx, callID, m.cfg.SessionTTL, func(sess *session.CallSession) error {
		sess.MenuState = StateEnded
		return nil
	})
	if err == session.ErrNotFound {
		return nil
	}
	return err
}

// spellDigits renders a phone number digit by digit for TTS readback
func spellDigits(number string) string {
	var parts []string
	for _, r := range number {
		if r >= '0' && r <= '9' {
			parts = append(parts, string(r))
		}
	}
	if len(parts) == 0 {
		return "an unknown number"
	}
	return strings.Join(parts, " ")
}
