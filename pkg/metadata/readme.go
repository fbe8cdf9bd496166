package metadata

import (
	"errors"
	"strings"
)

// ErrNoCreateNewcase is returned when README.case has no create_newcase line.
var ErrNoCreateNewcase = errors.New("README.case has no create_newcase command")

// Readme holds the arguments recovered from the create_newcase command
// recorded in README.case. Missing flags leave the field empty.
type Readme struct {
	Res     string
	Compset string
}

// ParseReadme extracts --res and --compset from the first line of
// README.case that mentions create_newcase.
func ParseReadme(path string) (*Readme, error) {
	text, err := ReadText(path)
	if err != nil {
		return nil, err
	}

	return parseReadme(text)
}

func parseReadme(text string) (*Readme, error) {
	for _, line := range lines(text) {
		if !strings.Contains(line, "create_newcase") {
			continue
		}

		args := strings.Fields(line)
		res, _ := Arg(args, "--res")
		compset, _ := Arg(args, "--compset")

		return &Readme{Res: res, Compset: compset}, nil
	}

	return nil, ErrNoCreateNewcase
}
