package resolve

// Status classifies a resolution outcome.
type Status string

const (
	StatusResolved   Status = "resolved"
	StatusAmbiguous  Status = "ambiguous"
	StatusUnresolved Status = "unresolved"
)

// MatchKind names the strategy that produced an outcome.
type MatchKind string

const (
	// Pack strategies.
	MatchOverride  MatchKind = "override"
	MatchHint      MatchKind = "hint"
	MatchSignature MatchKind = "signature"
	MatchHeuristic MatchKind = "heuristic"

	// Model strategies.
	MatchDecision      MatchKind = "decision"
	MatchExactPath     MatchKind = "exact_path"
	MatchReconstructed MatchKind = "reconstructed"
	MatchCaseFold      MatchKind = "case_fold"
	MatchFilename      MatchKind = "filename"
)

// Confidence per producing strategy, in (0, 1]. Zero means no match.
const (
	confidenceOverride      = 1.0
	confidenceHint          = 0.95
	confidenceSignature     = 0.9
	confidenceHeuristic     = 0.6
	confidenceDecision      = 1.0
	confidenceExactPath     = 1.0
	confidenceReconstructed = 0.9
	confidenceCaseFold      = 0.8
	confidenceFilename      = 0.7
)

// PackCandidate is one pack that may provide a node type.
type PackCandidate struct {
	PackID    string `json:"pack_id"`
	Version   string `json:"version,omitempty"`
	Installed bool   `json:"installed"`
}

// PackResolution is the outcome for one distinct custom node type. For a
// resolved outcome the first candidate is the chosen one; ambiguous
// outcomes retain every candidate for later disambiguation.
type PackResolution struct {
	NodeType   string    `json:"node_type"`
	Status     Status    `json:"status"`
	Kind       MatchKind `json:"kind,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	// Ignored marks a type deliberately mapped to nothing by an override.
	Ignored    bool            `json:"ignored,omitempty"`
	Candidates []PackCandidate `json:"candidates,omitempty"`
}

// ModelCandidate is one indexed file that may satisfy a model reference.
type ModelCandidate struct {
	RelPath   string `json:"rel_path"`
	QuickHash string `json:"quick_hash,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// ModelResolution is the outcome for one model reference.
type ModelResolution struct {
	NodeID      string           `json:"node_id"`
	ValueIndex  int              `json:"value_index"`
	Raw         string           `json:"raw"`
	Status      Status           `json:"status"`
	Kind        MatchKind        `json:"kind,omitempty"`
	Confidence  float64          `json:"confidence,omitempty"`
	Criticality string           `json:"criticality,omitempty"`
	Candidates  []ModelCandidate `json:"candidates,omitempty"`
}
