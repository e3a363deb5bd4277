package common

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/youta-t/flarc"

	"github.com/cgl-dcc/halyard/cmd/halyard/config/profiles"
	"github.com/cgl-dcc/halyard/cmd/halyard/env"
)

type TaskWithCommonFlag[T any] func(
	ctx context.Context,
	logger *log.Logger,
	commonFlag CommonFlags,
	cl flarc.Commandline[T],
	params []any,
) error

func NewTaskWithCommonFlag[T any](task TaskWithCommonFlag[T]) flarc.Task[T] {
	return func(ctx context.Context, cl flarc.Commandline[T], pos []any) error {
		var commonFlag CommonFlags
		found := false
		newpos := make([]any, 0, len(pos))
		for _, p := range pos {
			switch v := p.(type) {
			case CommonFlags:
				found = true
				commonFlag = v
			default:
				newpos = append(newpos, p)
			}
		}
		if !found {
			return errors.New("programming error: common flags not found")
		}

		logger := log.New(cl.Stderr(), "", log.LstdFlags)
		logger.SetPrefix(fmt.Sprintf("[%s] ", cl.Fullname()))

		return task(
			ctx,
			logger,
			commonFlag,
			cl,
			newpos,
		)
	}
}

type Task[T any] func(
	ctx context.Context,
	logger *log.Logger,
	henv env.Env,
	profile *profiles.Profile,
	cl flarc.Commandline[T],
	params []any,
) error

// NewTask resolves the halyardenv file and the selected profile before
// invoking task.
//
// The profile is nil when the profile store does not exist or does not
// contain the selected name. That is not an error here: commands which
// can take their endpoints from flags still run without a profile, and
// commands which cannot should say so themselves.
func NewTask[T any](task Task[T]) flarc.Task[T] {

	return NewTaskWithCommonFlag(func(
		ctx context.Context,
		logger *log.Logger,
		commonFlag CommonFlags,
		cl flarc.Commandline[T],
		params []any,
	) error {
		e, err := env.LoadEnv(commonFlag.Env)
		if err != nil {
			return fmt.Errorf("%w: failed to load halyardenv", err)
		}

		var prof *profiles.Profile
		store, err := profiles.LoadProfileStore(commonFlag.ProfileStore)
		switch {
		case errors.Is(err, profiles.ErrProfileStoreNotFound):
			// no store yet. endpoints must come from flags.
		case err != nil:
			return fmt.Errorf(
				"%w: failed to load halyard profile store (%s)",
				err, commonFlag.ProfileStore,
			)
		default:
			if p, ok := store[commonFlag.Profile]; ok {
				prof = p
			} else {
				logger.Printf(
					"profile '%s' is not in the profile store (%s). endpoints must be given by flags. try `halyard init` to register one",
					commonFlag.Profile, commonFlag.ProfileStore,
				)
			}
		}

		return task(ctx, logger, *e, prof, cl, params)
	})
}
