package postgres

import "context"

// PurgeOnce runs a single housekeeping pass.
func (r *Repository) PurgeOnce(ctx context.Context) { r.purgeOnce(ctx) }
