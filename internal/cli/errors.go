package cli

import (
	stderrors "errors"
	"strings"

	"github.com/matzehuels/cipm/pkg/errors"
)

// FormatError renders a command failure for the terminal. Coded errors show
// their message and code, with the cause on a dim second line.
func FormatError(err error) string {
	var e *errors.Error
	if !stderrors.As(err, &e) {
		return styleIconError.Render(iconError) + " " + err.Error()
	}

	var b strings.Builder
	b.WriteString(styleIconError.Render(iconError) + " " + errors.UserMessage(err))
	b.WriteString(" " + StyleDim.Render("["+string(e.Code)+"]"))
	if e.Cause != nil {
		b.WriteString("\n  " + StyleDim.Render(e.Cause.Error()))
	}
	return b.String()
}
