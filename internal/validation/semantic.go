package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/internal/sandbox"
	"github.com/rendis/flowengine/pkg/schema"
)

var knownLanguages = map[string]bool{
	sandbox.LanguageLua:        true,
	sandbox.LanguagePython:     true,
	sandbox.LanguageJavaScript: true,
	sandbox.LanguageShell:      true,
}

// validateSemantic checks each action's settings against its type: piece
// references resolve, branch conditions and expressions are well formed,
// loops name their items, and code steps use a known language.
// lookup and cel may be nil to skip the checks that need them.
func validateSemantic(fv *schema.FlowVersion, lookup PieceLookup, cel ExpressionCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	walkActions(fv.Trigger.NextAction, "trigger.nextAction", func(a *schema.Action, path string) {
		switch a.Type {
		case schema.ActionTypeCode:
			validateCode(a, path, result)
		case schema.ActionTypePiece:
			validatePiece(a, path, lookup, result)
		case schema.ActionTypeBranch:
			validateBranch(a, path, cel, result)
		case schema.ActionTypeLoopOnItems:
			validateLoop(a, path, result)
		}
		if a.Settings.ErrorHandlingOptions.RetryOnFailure &&
			(a.Type == schema.ActionTypeBranch || a.Type == schema.ActionTypeLoopOnItems) {
			result.AddStepWarning(path+".settings.errorHandlingOptions.retryOnFailure", a.Name,
				schema.ErrCodeValidation, fmt.Sprintf("retryOnFailure has no effect on %s steps", a.Type))
		}
	})
	return result
}

func validateCode(a *schema.Action, path string, result *schema.ValidationResult) {
	src := a.Settings.SourceCode
	if src == nil || strings.TrimSpace(src.Code) == "" {
		return // loaded from the code directory at run time
	}
	lang := strings.ToLower(src.Language)
	if lang != "" && !knownLanguages[lang] {
		result.AddStepError(path+".settings.sourceCode.language", a.Name, schema.ErrCodeValidation,
			fmt.Sprintf("unsupported language %q", src.Language))
	}
}

func validatePiece(a *schema.Action, path string, lookup PieceLookup, result *schema.ValidationResult) {
	s := a.Settings
	if s.PieceName == "" {
		result.AddStepError(path+".settings.pieceName", a.Name, schema.ErrCodeValidation, "piece step requires pieceName")
	}
	if s.ActionName == "" {
		result.AddStepError(path+".settings.actionName", a.Name, schema.ErrCodeValidation, "piece step requires actionName")
	}
	if s.PieceName == "" || s.ActionName == "" || lookup == nil {
		return
	}
	if !lookup.Has(s.PieceName, s.ActionName) {
		result.AddStepError(path+".settings", a.Name, schema.ErrCodePieceUnavailable,
			fmt.Sprintf("action %q of piece %q is not registered", s.ActionName, s.PieceName))
	}
}

func validateBranch(a *schema.Action, path string, cel ExpressionCompiler, result *schema.ValidationResult) {
	s := a.Settings
	if a.OnSuccessAction == nil && a.OnFailureAction == nil {
		result.AddStepWarning(path, a.Name, schema.ErrCodeValidation, "branch has no arms")
	}

	if len(s.Conditions) > 0 {
		for i, group := range s.Conditions {
			if len(group) == 0 {
				result.AddStepError(fmt.Sprintf("%s.settings.conditions[%d]", path, i), a.Name,
					schema.ErrCodeValidation, "condition group is empty")
			}
			for j, c := range group {
				if !c.Operator.IsUnary() && c.SecondValue == nil {
					result.AddStepWarning(fmt.Sprintf("%s.settings.conditions[%d][%d].secondValue", path, i, j), a.Name,
						schema.ErrCodeValidation, fmt.Sprintf("operator %s compares against an empty secondValue", c.Operator))
				}
			}
		}
		return
	}

	expr := strings.TrimSpace(s.Expression)
	switch {
	case expr == "":
		result.AddStepError(path+".settings", a.Name, schema.ErrCodeValidation,
			"branch requires conditions or an expression")
	case expressions.HasMention(expr):
		// Resolved at run time; the result may itself be a CEL expression.
	case cel != nil:
		if err := cel.Compile(expr); err != nil {
			result.AddStepError(path+".settings.expression", a.Name, schema.ErrCodeValidation,
				fmt.Sprintf("invalid expression: %s", errMessage(err)))
		}
	}
}

func validateLoop(a *schema.Action, path string, result *schema.ValidationResult) {
	items := strings.TrimSpace(a.Settings.Items)
	switch {
	case items == "":
		result.AddStepError(path+".settings.items", a.Name, schema.ErrCodeValidation, "loop requires items")
	case !expressions.HasMention(items):
		result.AddStepError(path+".settings.items", a.Name, schema.ErrCodeValidation,
			"items must be a {{mention}} that resolves to a list")
	}
	if a.FirstLoopAction == nil {
		result.AddStepWarning(path, a.Name, schema.ErrCodeValidation, "loop has an empty body")
	}
}
