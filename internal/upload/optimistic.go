// Package upload attaches images to a draft. Assets are tracked in memory
// while they upload; only the final remote URL reaches the draft.
package upload

// WithOptimisticUpdate applies a speculative state change, runs
// operation, and calls rollback with the failure if it returns an error.
// The operation's error is returned unchanged.
func WithOptimisticUpdate(apply func(), rollback func(err error), operation func() error) error {
	apply()

	if err := operation(); err != nil {
		rollback(err)
		return err
	}

	return nil
}
