package model

import (
	"time"

	"github.com/ggonzalez94/lendflow/internal/execution"
	"github.com/ggonzalez94/lendflow/internal/txflow"
)

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	// Kind is the flow failure classification, set for transaction errors.
	Kind         string `json:"kind,omitempty"`
	RevertReason string `json:"revert_reason,omitempty"`
	TxHash       string `json:"tx_hash,omitempty"`
}

type EnvelopeMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	FlowID    string    `json:"flow_id,omitempty"`
	ChainID   string    `json:"chain_id,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
}

// FlowResult is the payload of every <verb> preview|run command.
type FlowResult struct {
	Flow   txflow.Snapshot   `json:"flow"`
	Gas    *txflow.GasPlan   `json:"gas,omitempty"`
	Record *execution.Action `json:"record,omitempty"`
	// Steps lists what run did, in order.
	Steps []string `json:"steps,omitempty"`
}

type FlowSummary struct {
	FlowID    string `json:"flow_id"`
	Intent    string `json:"intent"`
	Status    string `json:"status"`
	ChainID   string `json:"chain_id"`
	Account   string `json:"account,omitempty"`
	Steps     int    `json:"steps"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type VersionInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}
