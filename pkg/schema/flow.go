package schema

// FlowVersion is the JSON-serializable flow format consumed by the engine.
// It is a tree rooted at the trigger; every action hangs off a successor link.
type FlowVersion struct {
	ID          string         `json:"id,omitempty"`
	FlowID      string         `json:"flowId,omitempty"`
	DisplayName string         `json:"displayName,omitempty"`
	Trigger     Trigger        `json:"trigger"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TriggerType enumerates how a run is started. The trigger's output is the run payload.
type TriggerType string

const (
	TriggerTypeEmpty   TriggerType = "EMPTY"
	TriggerTypeWebhook TriggerType = "WEBHOOK"
	TriggerTypePiece   TriggerType = "PIECE_TRIGGER"
)

// Trigger is the root step of a flow.
type Trigger struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName,omitempty"`
	Type        TriggerType    `json:"type"`
	Settings    map[string]any `json:"settings,omitempty"`
	NextAction  *Action        `json:"nextAction,omitempty"`
}

// ActionType is the closed set of executable step kinds.
type ActionType string

const (
	ActionTypeEmpty       ActionType = "EMPTY"
	ActionTypeCode        ActionType = "CODE"
	ActionTypePiece       ActionType = "PIECE"
	ActionTypeBranch      ActionType = "BRANCH"
	ActionTypeLoopOnItems ActionType = "LOOP_ON_ITEMS"
)

// Action is a non-root step. Which successor links may be set depends on Type:
// BRANCH uses OnSuccessAction/OnFailureAction, LOOP_ON_ITEMS uses FirstLoopAction,
// and every type may set NextAction (the merge point after a branch or loop).
type Action struct {
	Name            string         `json:"name"`
	DisplayName     string         `json:"displayName,omitempty"`
	Type            ActionType     `json:"type"`
	Settings        ActionSettings `json:"settings"`
	NextAction      *Action        `json:"nextAction,omitempty"`
	OnSuccessAction *Action        `json:"onSuccessAction,omitempty"`
	OnFailureAction *Action        `json:"onFailureAction,omitempty"`
	FirstLoopAction *Action        `json:"firstLoopAction,omitempty"`
}

// ActionSettings holds the type-specific configuration of an action.
type ActionSettings struct {
	// CODE and PIECE: unresolved parameters (may contain {{mentions}}).
	Input map[string]any `json:"input,omitempty"`

	// CODE
	SourceCode *SourceCode `json:"sourceCode,omitempty"`

	// PIECE
	PieceName    string `json:"pieceName,omitempty"`
	PieceVersion string `json:"pieceVersion,omitempty"`
	ActionName   string `json:"actionName,omitempty"`

	// BRANCH: OR of AND-groups. Expression (CEL) is used when Conditions is empty.
	Conditions [][]BranchCondition `json:"conditions,omitempty"`
	Expression string              `json:"expression,omitempty"`

	// LOOP_ON_ITEMS: a mention that must resolve to a list.
	Items string `json:"items,omitempty"`

	ErrorHandlingOptions ErrorHandlingOptions `json:"errorHandlingOptions"`
}

// SourceCode is inline code for a CODE step. When absent the module is loaded
// from the code directory under the step name.
type SourceCode struct {
	Language string `json:"language,omitempty"`
	Code     string `json:"code"`
}

// ErrorHandlingOptions is the per-action retry policy descriptor.
type ErrorHandlingOptions struct {
	RetryOnFailure    bool `json:"retryOnFailure"`
	ContinueOnFailure bool `json:"continueOnFailure"`
}

// BranchOperator names a comparison performed by a branch condition.
type BranchOperator string

const (
	OpTextContains          BranchOperator = "TEXT_CONTAINS"
	OpTextDoesNotContain    BranchOperator = "TEXT_DOES_NOT_CONTAIN"
	OpTextExactlyMatches    BranchOperator = "TEXT_EXACTLY_MATCHES"
	OpTextDoesNotMatch      BranchOperator = "TEXT_DOES_NOT_EXACTLY_MATCH"
	OpTextStartsWith        BranchOperator = "TEXT_STARTS_WITH"
	OpTextDoesNotStartWith  BranchOperator = "TEXT_DOES_NOT_START_WITH"
	OpTextEndsWith          BranchOperator = "TEXT_ENDS_WITH"
	OpTextDoesNotEndWith    BranchOperator = "TEXT_DOES_NOT_END_WITH"
	OpNumberGreaterThan     BranchOperator = "NUMBER_IS_GREATER_THAN"
	OpNumberLessThan        BranchOperator = "NUMBER_IS_LESS_THAN"
	OpNumberEqualTo         BranchOperator = "NUMBER_IS_EQUAL_TO"
	OpBooleanIsTrue         BranchOperator = "BOOLEAN_IS_TRUE"
	OpBooleanIsFalse        BranchOperator = "BOOLEAN_IS_FALSE"
	OpExists                BranchOperator = "EXISTS"
	OpDoesNotExist          BranchOperator = "DOES_NOT_EXIST"
	OpListContains          BranchOperator = "LIST_CONTAINS"
	OpListDoesNotContain    BranchOperator = "LIST_DOES_NOT_CONTAIN"
	OpListIsEmpty           BranchOperator = "LIST_IS_EMPTY"
	OpListIsNotEmpty        BranchOperator = "LIST_IS_NOT_EMPTY"
)

// BranchCondition compares FirstValue against SecondValue after mention resolution.
type BranchCondition struct {
	FirstValue    any            `json:"firstValue"`
	SecondValue   any            `json:"secondValue,omitempty"`
	Operator      BranchOperator `json:"operator"`
	CaseSensitive bool           `json:"caseSensitive,omitempty"`
}

// IsUnary reports whether the operator ignores SecondValue.
func (op BranchOperator) IsUnary() bool {
	switch op {
	case OpBooleanIsTrue, OpBooleanIsFalse, OpExists, OpDoesNotExist, OpListIsEmpty, OpListIsNotEmpty:
		return true
	}
	return false
}
