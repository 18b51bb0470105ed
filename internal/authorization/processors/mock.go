package processors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"argent/internal/authorization/domain"
	"argent/internal/common/logging"
)

// MockProcessorName is the registry name of the mock processor.
const MockProcessorName = "mock"

// Behavior kinds understood by the mock processor.
const (
	behaviorSuccess        = "success"
	behaviorAuthorized     = "authorized"
	behaviorDecline        = "decline"
	behaviorTimeout        = "timeout"
	behaviorRateLimit      = "rate_limit"
	behaviorRequiresAction = "requires_action"
)

// cardBehavior scripts the mock's response to one test card number.
type cardBehavior struct {
	kind        string
	authCode    string
	code        string
	declineCode string
	reason      string
	description string
}

// testCardBehaviors mirrors the standard processor test cards: fixed numbers
// trigger fixed authorization results so end-to-end flows are reproducible.
var testCardBehaviors = map[string]cardBehavior{
	// Success scenarios.
	"4242424242424242": {kind: behaviorSuccess, authCode: "123456", description: "Generic success - always authorizes"},
	"5555555555554444": {kind: behaviorSuccess, authCode: "789012", description: "Mastercard success"},
	"378282246310005":  {kind: behaviorSuccess, authCode: "345678", description: "American Express success"},

	// Decline scenarios.
	"4000000000000002": {kind: behaviorDecline, code: "card_declined", declineCode: "generic_decline", reason: "Your card was declined", description: "Generic decline"},
	"4000000000009995": {kind: behaviorDecline, code: "card_declined", declineCode: "insufficient_funds", reason: "Your card has insufficient funds", description: "Insufficient funds"},
	"4000000000000069": {kind: behaviorDecline, code: "expired_card", declineCode: "expired_card", reason: "Your card has expired", description: "Expired card"},
	"4000000000000127": {kind: behaviorDecline, code: "incorrect_cvc", declineCode: "incorrect_cvc", reason: "Your card's security code is incorrect", description: "Incorrect CVC"},
	"4000000000000341": {kind: behaviorDecline, code: "card_declined", declineCode: "lost_card", reason: "Your card has been declined", description: "Lost card"},
	"4000000000000226": {kind: behaviorDecline, code: "card_declined", declineCode: "fraudulent", reason: "Your card has been declined", description: "Fraudulent card"},

	// Transient error scenarios.
	"4000000000000119": {kind: behaviorTimeout, description: "Processing timeout - simulates 5xx error or network timeout"},
	"4000000000009987": {kind: behaviorRateLimit, description: "Rate limit - simulates 429 response"},

	// 3D Secure challenge; surfaced as a decline since this pipeline has no
	// customer present to complete the challenge.
	"4000002500003155": {kind: behaviorRequiresAction, description: "Requires 3D Secure authentication"},
}

// MockProcessor simulates an upstream payment processor; authorization
// results are scripted by card number. Config keys:
//
//	default_response  "authorized" or "declined" for unscripted cards (default "authorized")
//	latency_ms        simulated processing latency (default 50)
//	card_behaviors    per-card override of the built-in script
type MockProcessor struct {
	defaultResponse string
	latency         time.Duration
	cardBehaviors   map[string]cardBehavior
}

// NewMockProcessor constructs a MockProcessor from a processor_config map.
func NewMockProcessor(config map[string]any) (domain.Processor, error) {
	p := &MockProcessor{
		defaultResponse: "authorized",
		latency:         50 * time.Millisecond,
		cardBehaviors:   testCardBehaviors,
	}

	if v, ok := config["default_response"]; ok {
		s, ok := v.(string)
		if !ok || (s != "authorized" && s != "declined") {
			return nil, fmt.Errorf("default_response must be \"authorized\" or \"declined\", got %v", v)
		}
		p.defaultResponse = s
	}
	if v, ok := config["latency_ms"]; ok {
		ms, ok := toInt(v)
		if !ok || ms < 0 {
			return nil, fmt.Errorf("latency_ms must be a non-negative integer, got %v", v)
		}
		p.latency = time.Duration(ms) * time.Millisecond
	}
	if v, ok := config["card_behaviors"]; ok {
		overrides, err := parseCardBehaviors(v)
		if err != nil {
			return nil, err
		}
		p.cardBehaviors = overrides
	}

	return p, nil
}

// Name returns the registry name.
func (p *MockProcessor) Name() string {
	return MockProcessorName
}

// Authorize simulates an authorization attempt against the scripted card
// table. Unscripted cards follow default_response.
func (p *MockProcessor) Authorize(ctx context.Context, card domain.CardData, amountMinorUnits int64, currency string) domain.ProcessorOutcome {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return domain.RetryableFailureOutcome(fmt.Sprintf("mock processor interrupted: %v", ctx.Err()))
		}
	}

	behavior, scripted := p.cardBehaviors[card.CardNumber]
	if !scripted {
		logging.DebugContext(ctx, "Mock processor defaulting unscripted card",
			"card_last4", card.LastFour(),
			"default_response", p.defaultResponse,
		)
		if p.defaultResponse == "declined" {
			behavior = cardBehavior{kind: behaviorDecline}
		} else {
			behavior = cardBehavior{kind: behaviorSuccess}
		}
	}

	switch behavior.kind {
	case behaviorTimeout:
		return domain.RetryableFailureOutcome("mock processor timeout: " + orDefault(behavior.description, "simulated timeout"))

	case behaviorRateLimit:
		return domain.RetryableFailureOutcome("mock processor rate limit exceeded")

	case behaviorRequiresAction:
		return domain.DeniedOutcome("requires_action", "Payment requires additional authentication", map[string]string{
			"payment_intent_id": mockID("mock_pi_"),
			"status":            "requires_action",
			"test_card":         card.CardNumber,
		})

	case behaviorDecline:
		code := orDefault(behavior.code, "card_declined")
		reason := orDefault(behavior.reason, "Card was declined")
		metadata := map[string]string{
			"payment_intent_id": mockID("mock_pi_"),
			"test_card":         card.CardNumber,
		}
		if behavior.declineCode != "" {
			metadata["decline_code"] = behavior.declineCode
			metadata["charge_id"] = mockID("mock_ch_")
		}
		if behavior.description != "" {
			metadata["description"] = behavior.description
		}
		return domain.DeniedOutcome(code, reason, metadata)

	case behaviorSuccess, behaviorAuthorized:
		authCode := behavior.authCode
		if authCode == "" {
			authCode = fmt.Sprintf("%06d", uuid.New().ID()%1000000)
		}
		intentID := mockID("mock_pi_")
		return domain.AuthorizedOutcome(intentID, authCode, amountMinorUnits, strings.ToUpper(currency), map[string]string{
			"payment_intent_id": intentID,
			// Mirrors the auth-only hold status of real processors.
			"status":            "requires_capture",
			"client_secret":     intentID + "_secret_" + randomHex(10),
			"charge_id":         mockID("mock_ch_"),
			"payment_method_id": mockID("mock_pm_"),
			"test_card":         card.CardNumber,
			"card_brand":        cardBrand(card.CardNumber),
			"card_last4":        card.LastFour(),
		})

	default:
		return domain.TerminalFailureOutcome(fmt.Sprintf("unknown mock behavior type: %q", behavior.kind))
	}
}

// parseCardBehaviors decodes a card_behaviors config override, a map of card
// number to behavior object as stored in processor_config JSONB.
func parseCardBehaviors(v any) (map[string]cardBehavior, error) {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("card_behaviors must be an object, got %T", v)
	}
	behaviors := make(map[string]cardBehavior, len(raw))
	for card, spec := range raw {
		fields, ok := spec.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("card_behaviors[%s] must be an object, got %T", card, spec)
		}
		behavior := cardBehavior{
			kind:        stringField(fields, "type"),
			authCode:    stringField(fields, "auth_code"),
			code:        stringField(fields, "code"),
			declineCode: stringField(fields, "decline_code"),
			reason:      stringField(fields, "reason"),
			description: stringField(fields, "description"),
		}
		if behavior.kind == "" {
			return nil, fmt.Errorf("card_behaviors[%s] missing type", card)
		}
		behaviors[card] = behavior
	}
	return behaviors, nil
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

// toInt accepts the numeric types JSON decoding can produce.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// mockID generates identifiers in the shape real processors use,
// e.g. mock_pi_<24 hex chars>.
func mockID(prefix string) string {
	return prefix + randomHex(24)
}

func randomHex(n int) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	for len(hex) < n {
		hex += strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return hex[:n]
}

// cardBrand performs a simplified IIN lookup.
func cardBrand(cardNumber string) string {
	switch {
	case strings.HasPrefix(cardNumber, "4"):
		return "visa"
	case hasAnyPrefix(cardNumber, "51", "52", "53", "54", "55"):
		return "mastercard"
	case hasAnyPrefix(cardNumber, "34", "37"):
		return "amex"
	case strings.HasPrefix(cardNumber, "6011") || hasAnyPrefix(cardNumber, "644", "645", "646", "647", "648", "649", "65"):
		return "discover"
	default:
		return "unknown"
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// Verify interface implementation.
var _ domain.Processor = (*MockProcessor)(nil)
