//go:build !darwin

package embedded

import (
	"context"
	"fmt"
)

func ensureDarwin(ctx context.Context, socketPath string) error {
	return fmt.Errorf("lima bootstrap is darwin-only")
}
