package launch

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/skylabhq/preflight/internal/errcode"
)

const (
	noninteractiveDirName = "noninteractive"
	commandFileName       = "command.json"
)

type commandDoc struct {
	Command []string `json:"command"`
}

// noninteractiveCommand reads the argv the operator staged under the
// runtime dir. The operator asked for noninteractive mode, so a
// missing or malformed document is a broken contract, not a fallback.
func noninteractiveCommand(runtimeDir string) ([]string, error) {
	path := filepath.Join(runtimeDir, noninteractiveDirName, commandFileName)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errcode.NewBadEnv("read noninteractive command", path, err)
	}
	doc := commandDoc{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, errcode.NewBadEnv("parse noninteractive command", path, err)
	}
	if len(doc.Command) == 0 || doc.Command[0] == "" {
		return nil, errcode.NewBadEnv("parse noninteractive command", path, errors.New("empty command"))
	}
	return doc.Command, nil
}
