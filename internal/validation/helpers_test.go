package validation

import "github.com/rendis/flowengine/pkg/schema"

type fakePieces map[string]bool

func (f fakePieces) Has(piece, action string) bool { return f[piece+"/"+action] }

func flowOf(actions ...*schema.Action) *schema.FlowVersion {
	return &schema.FlowVersion{
		ID:     "fv-1",
		FlowID: "flow-1",
		Trigger: schema.Trigger{
			Name:       "trigger",
			Type:       schema.TriggerTypeWebhook,
			NextAction: chain(actions...),
		},
	}
}

func chain(actions ...*schema.Action) *schema.Action {
	for i := len(actions) - 2; i >= 0; i-- {
		actions[i].NextAction = actions[i+1]
	}
	if len(actions) == 0 {
		return nil
	}
	return actions[0]
}

func codeStep(name, code string, input map[string]any) *schema.Action {
	return &schema.Action{
		Name: name,
		Type: schema.ActionTypeCode,
		Settings: schema.ActionSettings{
			Input:      input,
			SourceCode: &schema.SourceCode{Language: "lua", Code: code},
		},
	}
}

func pieceStep(name, piece, action string, input map[string]any) *schema.Action {
	return &schema.Action{
		Name: name,
		Type: schema.ActionTypePiece,
		Settings: schema.ActionSettings{
			Input: input, PieceName: piece, PieceVersion: "0.1.0", ActionName: action,
		},
	}
}

func branchStep(name, expression string, onSuccess, onFailure *schema.Action) *schema.Action {
	return &schema.Action{
		Name:            name,
		Type:            schema.ActionTypeBranch,
		Settings:        schema.ActionSettings{Expression: expression},
		OnSuccessAction: onSuccess,
		OnFailureAction: onFailure,
	}
}

func loopStep(name, items string, body *schema.Action) *schema.Action {
	return &schema.Action{
		Name:            name,
		Type:            schema.ActionTypeLoopOnItems,
		Settings:        schema.ActionSettings{Items: items},
		FirstLoopAction: body,
	}
}

func issueMessages(issues []schema.ValidationIssue) []string {
	msgs := make([]string, len(issues))
	for i, is := range issues {
		msgs[i] = is.Message
	}
	return msgs
}
