// Package tokenservice implements the Token Service client used by the
// worker to exchange opaque payment tokens for card data.
package tokenservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"argent/internal/authorization/domain"
	"argent/internal/common/logging"
	"argent/internal/common/types"
)

// requestingService identifies this caller in decrypt requests and audit logs.
const requestingService = "argent-worker"

// Client calls POST {base}/internal/v1/decrypt. Status codes map onto the
// domain token errors: 404, 410 and 403 are terminal; 5xx, timeouts and
// network errors are retryable via ErrTokenServiceUnavailable.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authToken  string
}

// NewClient builds a Token Service client with a per-request timeout.
func NewClient(baseURL, authToken string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
	}
}

type decryptRequest struct {
	PaymentToken      string `json:"payment_token"`
	RestaurantID      string `json:"restaurant_id"`
	RequestingService string `json:"requesting_service"`
}

type decryptResponse struct {
	PaymentData paymentData `json:"payment_data"`
}

// paymentData mirrors the Token Service wire format: exp_month is "MM" and
// exp_year is "YYYY".
type paymentData struct {
	CardNumber     string `json:"card_number"`
	ExpMonth       string `json:"exp_month"`
	ExpYear        string `json:"exp_year"`
	CVV            string `json:"cvv"`
	CardholderName string `json:"cardholder_name"`
}

// Decrypt exchanges a payment token for card data.
func (c *Client) Decrypt(ctx context.Context, paymentToken string, restaurantID domain.RestaurantID) (domain.CardData, error) {
	body, err := json.Marshal(decryptRequest{
		PaymentToken:      paymentToken,
		RestaurantID:      restaurantID.String(),
		RequestingService: requestingService,
	})
	if err != nil {
		return domain.CardData{}, fmt.Errorf("marshaling decrypt request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/v1/decrypt", bytes.NewReader(body))
	if err != nil {
		return domain.CardData{}, fmt.Errorf("building decrypt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Auth", c.authToken)
	req.Header.Set("X-Request-ID", requestID(ctx).String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.CardData{}, fmt.Errorf("%w: %v", domain.ErrTokenServiceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.CardData{}, fmt.Errorf("%w: token %s", domain.ErrTokenNotFound, paymentToken)
	case resp.StatusCode == http.StatusGone:
		return domain.CardData{}, fmt.Errorf("%w: token %s", domain.ErrTokenExpired, paymentToken)
	case resp.StatusCode == http.StatusForbidden:
		return domain.CardData{}, fmt.Errorf("%w: token %s for restaurant %s", domain.ErrTokenForbidden, paymentToken, restaurantID)
	case resp.StatusCode >= http.StatusInternalServerError:
		return domain.CardData{}, fmt.Errorf("%w: status %d", domain.ErrTokenServiceUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return domain.CardData{}, fmt.Errorf("%w: unexpected status %d", domain.ErrTokenServiceUnavailable, resp.StatusCode)
	}

	var decoded decryptResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return domain.CardData{}, fmt.Errorf("%w: decoding response: %v", domain.ErrTokenServiceUnavailable, err)
	}

	card, err := decoded.PaymentData.toCardData()
	if err != nil {
		return domain.CardData{}, fmt.Errorf("%w: %v", domain.ErrTokenServiceUnavailable, err)
	}

	logging.DebugContext(ctx, "Payment token decrypted",
		"restaurant_id", restaurantID.String(),
		"card_last4", card.LastFour(),
	)
	return card, nil
}

func (d paymentData) toCardData() (domain.CardData, error) {
	month, err := strconv.Atoi(d.ExpMonth)
	if err != nil {
		return domain.CardData{}, fmt.Errorf("invalid exp_month %q", d.ExpMonth)
	}
	year, err := strconv.Atoi(d.ExpYear)
	if err != nil {
		return domain.CardData{}, fmt.Errorf("invalid exp_year %q", d.ExpYear)
	}
	return domain.CardData{
		CardNumber:     d.CardNumber,
		ExpMonth:       month,
		ExpYear:        year,
		CVV:            d.CVV,
		CardholderName: d.CardholderName,
	}, nil
}

// requestID reuses the caller's correlation ID so the Token Service audit
// trail lines up with our logs; a fresh one is generated when absent.
func requestID(ctx context.Context) types.CorrelationID {
	if id := logging.CorrelationIDFromContext(ctx); !id.IsEmpty() {
		return id
	}
	return types.NewCorrelationID()
}

var _ domain.TokenDecrypter = (*Client)(nil)
