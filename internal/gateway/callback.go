package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
)

// StatusCompleted is the only callback status that settles anything
const StatusCompleted = "completed"

var ErrBadCallback = errors.New("malformed gateway callback")

// ParseCallback normalizes a webhook delivery. The body may be
// form-encoded or JSON; the settlement kind and target come from the
// callback URL query. Only completed callbacks are validated further, any
// other status is returned as-is so the caller can ignore it.
func ParseCallback(contentType string, body []byte, query url.Values) (*models.SettlementEvent, error) {
	fields := parseBody(contentType, body)

	event := &models.SettlementEvent{
		ExternalTxnID: fields["txn_id"],
		Status:        fields["status"],
		Kind:          models.SettlementKind(query.Get("type")),
		Token:         query.Get("token"),
	}

	if event.Status != StatusCompleted {
		return event, nil
	}

	switch event.Kind {
	case models.SettlementWalletFunding:
		event.Target = query.Get("userId")
	case models.SettlementOrderPayment:
		event.Target = query.Get("id")
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrBadCallback, event.Kind)
	}

	if event.Target == "" {
		return nil, fmt.Errorf("%w: missing %s target", ErrBadCallback, event.Kind)
	}
	if event.ExternalTxnID == "" {
		return nil, fmt.Errorf("%w: missing txn_id", ErrBadCallback)
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(fields["source_amount"]))
	if err != nil || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: invalid source_amount %q", ErrBadCallback, fields["source_amount"])
	}
	event.Amount = amount

	return event, nil
}

func parseBody(contentType string, body []byte) map[string]string {
	fields := map[string]string{}

	if strings.Contains(contentType, "application/json") {
		var raw map[string]interface{}
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&raw); err == nil {
			for k, v := range raw {
				if v != nil {
					fields[k] = fmt.Sprint(v)
				}
			}
		}
	}

	if len(fields) == 0 {
		values, err := url.ParseQuery(string(body))
		if err == nil {
			for k := range values {
				fields[k] = values.Get(k)
			}
		}
	}

	return fields
}

// CallbackToken signs "kind:target" with secret
func CallbackToken(secret string, kind models.SettlementKind, target string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(string(kind) + ":" + target))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyToken reports whether token was produced by CallbackToken
func VerifyToken(secret string, kind models.SettlementKind, target, token string) bool {
	if secret == "" || token == "" {
		return false
	}
	given, err := hex.DecodeString(token)
	if err != nil {
		return false
	}
	expected, _ := hex.DecodeString(CallbackToken(secret, kind, target))
	return hmac.Equal(given, expected)
}
