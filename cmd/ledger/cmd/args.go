package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/codec"
	"github.com/shunichi-ikebuchi/balance-ledger/pkg/ledger"
)

// parseValue reads a JSON literal, falling back to a plain string:
// 42 and true are typed, rent stays a string, "42" forces a string.
func parseValue(s string) codec.Value {
	var v codec.Value
	if err := v.UnmarshalJSON([]byte(s)); err == nil {
		return v
	}
	return codec.String(s)
}

// parsePairs parses repeated key=value flags.
func parsePairs(flag string, pairs []string) (map[string]codec.Value, error) {
	out := make(map[string]codec.Value, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --%s %q: expected key=value", flag, pair)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("duplicate --%s key %q", flag, key)
		}
		out[key] = parseValue(value)
	}
	return out, nil
}

// parseAccount parses --account flags into identifying attributes.
func parseAccount(flag string, pairs []string) (codec.Record, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("at least one --%s key=value is required", flag)
	}
	attrs, err := parsePairs(flag, pairs)
	if err != nil {
		return nil, err
	}
	return codec.Record(attrs), nil
}

// parsePayload parses --data flags into a transaction payload.
func parsePayload(pairs []string) (codec.Payload, error) {
	data, err := parsePairs("data", pairs)
	if err != nil {
		return nil, err
	}
	return codec.Payload(data), nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid transaction id %q", s)
	}
	return id, nil
}

// transactionView is the JSON form of a transaction.
type transactionView struct {
	ID        int64         `json:"id"`
	AccountID int64         `json:"account_id"`
	Amount    int64         `json:"amount"`
	Date      string        `json:"date"`
	Payload   codec.Payload `json:"payload"`
}

func viewOf(t *ledger.Transaction) transactionView {
	return transactionView{
		ID:        t.ID,
		AccountID: t.AccountID,
		Amount:    t.Amount,
		Date:      t.Date.Format(time.RFC3339Nano),
		Payload:   t.Payload,
	}
}

func formatTransaction(t *ledger.Transaction) (string, error) {
	data, err := json.MarshalIndent(viewOf(t), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format transaction: %w", err)
	}
	return string(data), nil
}

// warnCorrupt logs err as a warning when it only reports an undecodable
// payload, keeping stdout free for command output. It reports whether it did.
func warnCorrupt(err error, msg string, args ...any) bool {
	if !errors.Is(err, codec.ErrCorruptPayload) {
		return false
	}
	slog.Warn(msg, append(args, "error", err)...)
	return true
}
