package odp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Extra is the scheme-specific block a resource server publishes in
// PaymentRequirements.Extra. It pins the session terms the payer must
// approve and the settlement infrastructure the facilitator will use.
type Extra struct {
	SessionID            string   `json:"sessionId"`
	StartNonce           string   `json:"startNonce"`
	MaxSpend             string   `json:"maxSpend"`
	Expiry               string   `json:"expiry"`
	SettlementContract   string   `json:"settlementContract"`
	DebitWallet          string   `json:"debitWallet"`
	WithdrawDelaySeconds string   `json:"withdrawDelaySeconds"`
	AuthorizedProcessors []string `json:"authorizedProcessors,omitempty"`
	RequestHash          string   `json:"requestHash,omitempty"`
}

const extraSchema = `{
	"type": "object",
	"properties": {
		"sessionId": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"},
		"startNonce": {"type": "string", "pattern": "^(0|[1-9][0-9]*)$"},
		"maxSpend": {"type": "string", "pattern": "^(0|[1-9][0-9]*)$"},
		"expiry": {"type": "string", "pattern": "^(0|[1-9][0-9]*)$"},
		"settlementContract": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"debitWallet": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"withdrawDelaySeconds": {"type": "string", "pattern": "^(0|[1-9][0-9]*)$"},
		"authorizedProcessors": {
			"type": "array",
			"items": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}
		},
		"requestHash": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}
	},
	"required": [
		"sessionId", "startNonce", "maxSpend", "expiry",
		"settlementContract", "debitWallet", "withdrawDelaySeconds"
	]
}`

// ParseExtra validates the requirements extra against the scheme's schema
// and decodes it. Unknown fields are preserved by the wire layer but ignored
// here.
func ParseExtra(raw map[string]interface{}) (*Extra, error) {
	if raw == nil {
		return nil, fmt.Errorf("requirements extra is missing")
	}
	rawBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshaling extra: %w", err)
	}

	schemaLoader := gojsonschema.NewBytesLoader([]byte(extraSchema))
	docLoader := gojsonschema.NewBytesLoader(rawBytes)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return nil, fmt.Errorf("validating extra: %w", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, fmt.Errorf("invalid extra: %s", strings.Join(details, "; "))
	}

	var extra Extra
	if err := json.Unmarshal(rawBytes, &extra); err != nil {
		return nil, fmt.Errorf("decoding extra: %w", err)
	}
	return &extra, nil
}

// ToMap renders the extra for embedding in PaymentRequirements.Extra.
func (e *Extra) ToMap() (map[string]interface{}, error) {
	rawBytes, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(rawBytes, &m); err != nil {
		return nil, err
	}
	return m, nil
}
