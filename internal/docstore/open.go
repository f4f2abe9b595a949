// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package docstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jeranaias/erimtech/internal/config"
)

// Open returns the Store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return OpenSQLite(cfg.Path, log)
	case "firestore":
		return OpenFirestore(ctx, cfg.ProjectID, log)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
