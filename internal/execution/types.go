package execution

import "time"

type ActionStatus string

type StepStatus string

type StepType string

const (
	ActionStatusPlanned    ActionStatus = "planned"
	ActionStatusAuthorized ActionStatus = "authorized"
	ActionStatusRunning    ActionStatus = "running"
	ActionStatusCompleted  ActionStatus = "completed"
	ActionStatusFailed     ActionStatus = "failed"
)

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusSigned    StepStatus = "signed"
	StepStatusSubmitted StepStatus = "submitted"
	StepStatusConfirmed StepStatus = "confirmed"
	StepStatusFailed    StepStatus = "failed"
)

const (
	StepTypeReset      StepType = "approval_reset"
	StepTypeApproval   StepType = "approval"
	StepTypeDelegation StepType = "credit_delegation"
	StepTypePermit     StepType = "permit_signature"
	StepTypeLend       StepType = "lend_call"
	StepTypeStake      StepType = "stake"
	StepTypeClaim      StepType = "claim"
)

// Constraints record the gates the flow was planned under.
type Constraints struct {
	SafeHealthFactor string `json:"safe_health_factor,omitempty"`
	Acknowledged     bool   `json:"risk_acknowledged,omitempty"`
	AllowMaxApproval bool   `json:"allow_max_approval,omitempty"`
	Batched          bool   `json:"batched,omitempty"`
	Deadline         string `json:"permit_deadline,omitempty"`
}

type ActionStep struct {
	StepID      string     `json:"step_id"`
	Type        StepType   `json:"type"`
	Status      StepStatus `json:"status"`
	ChainID     string     `json:"chain_id"`
	Description string     `json:"description,omitempty"`
	Target      string     `json:"target"`
	Data        string     `json:"data"`
	Value       string     `json:"value"`
	GasLimit    uint64     `json:"gas_limit,omitempty"`
	TxHash      string     `json:"tx_hash,omitempty"`
	BatchID     string     `json:"batch_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
}

// Action is the persisted record of one flow: the plan it ran and the
// outcome of every step.
type Action struct {
	ActionID       string         `json:"action_id"`
	IntentType     string         `json:"intent_type"`
	Builder        string         `json:"builder,omitempty"`
	Status         ActionStatus   `json:"status"`
	ChainID        string         `json:"chain_id"`
	AssetID        string         `json:"asset_id,omitempty"`
	FromAddress    string         `json:"from_address,omitempty"`
	InputAmount    string         `json:"input_amount,omitempty"`
	ResolvedAmount string         `json:"resolved_amount,omitempty"`
	AmountBase     string         `json:"amount_base_units,omitempty"`
	AuthPath       string         `json:"auth_path,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
	Constraints    Constraints    `json:"constraints"`
	Steps          []ActionStep   `json:"steps"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func NewAction(actionID, intentType, chainID string, constraints Constraints) Action {
	now := time.Now().UTC().Format(time.RFC3339)
	return Action{
		ActionID:    actionID,
		IntentType:  intentType,
		Status:      ActionStatusPlanned,
		ChainID:     chainID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Constraints: constraints,
		Steps:       []ActionStep{},
	}
}

func (a *Action) Touch() {
	a.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// Step returns the step with stepID.
func (a *Action) Step(stepID string) (*ActionStep, bool) {
	for i := range a.Steps {
		if a.Steps[i].StepID == stepID {
			return &a.Steps[i], true
		}
	}
	return nil, false
}

// Final returns the protocol call step, which is always planned last.
func (a *Action) Final() (*ActionStep, bool) {
	if len(a.Steps) == 0 {
		return nil, false
	}
	return &a.Steps[len(a.Steps)-1], true
}
