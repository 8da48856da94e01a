package ui

import (
	"errors"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/graphnote/graphnote/internal/schema"
)

// SpaceForm is the answer set of the interactive space creation prompt.
type SpaceForm struct {
	Name      string
	Color     string
	Encrypted bool
	Password  string
}

// ValidateSpaceName rejects empty and reserved names.
func ValidateSpaceName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name is required")
	}
	if schema.IsReservedName(name) {
		return errors.New(schema.ReservedNameMessage)
	}
	return nil
}

// PromptSpace asks for a new space's settings. Fields already set in defaults
// are offered as initial values.
func PromptSpace(defaults SpaceForm) (*SpaceForm, error) {
	out := defaults

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Space name").
				Value(&out.Name).
				Validate(ValidateSpaceName),
			huh.NewInput().
				Title("Color").
				Placeholder("#64B5F6").
				Value(&out.Color),
			huh.NewConfirm().
				Title("Encrypt notes with a password?").
				Value(&out.Encrypted),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&out.Password).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("password is required for an encrypted space")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return !out.Encrypted }),
	)

	if err := form.Run(); err != nil {
		return nil, err
	}
	out.Name = strings.TrimSpace(out.Name)
	return &out, nil
}
