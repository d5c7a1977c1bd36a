package wireservice

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gwillem/wire-go/internal/mls"
	"github.com/gwillem/wire-go/internal/model"
)

// Fallback rejoins groups whose local state fell behind the backend.
// Callers hold the conversation lock.
type Fallback struct {
	engine  mls.Engine
	gateway Gateway
	logger  zerolog.Logger
}

// VerifyConversationOutOfSync joins group by external commit when it is
// missing locally or its local epoch is behind the backend's. It is a
// no-op for a group in sync.
func (f *Fallback) VerifyConversationOutOfSync(ctx context.Context, group mls.GroupID, conv model.QualifiedID) error {
	exists, err := f.engine.GroupExists(ctx, group)
	if err != nil {
		return fmt.Errorf("verify %s: group exists: %w", conv, err)
	}
	if exists {
		local, err := f.engine.Epoch(ctx, group)
		if err != nil {
			return fmt.Errorf("verify %s: local epoch: %w", conv, err)
		}
		remote, err := f.gateway.FetchConversation(ctx, conv)
		if err != nil {
			return fmt.Errorf("verify %s: fetch conversation: %w", conv, err)
		}
		if local >= remote.Epoch {
			return nil
		}
		f.logger.Info().Str("conversation", conv.String()).
			Uint64("local_epoch", local).Uint64("remote_epoch", remote.Epoch).
			Msg("group behind backend, rejoining")
	} else {
		f.logger.Info().Str("conversation", conv.String()).Msg("group missing locally, rejoining")
	}
	_, err = f.rejoin(ctx, conv)
	return err
}

// rejoin fetches the public group info of conv and joins it by external
// commit.
func (f *Fallback) rejoin(ctx context.Context, conv model.QualifiedID) (mls.GroupID, error) {
	info, err := f.gateway.FetchConversationGroupInfo(ctx, conv)
	if err != nil {
		return nil, fmt.Errorf("rejoin %s: fetch group info: %w", conv, err)
	}
	group, err := f.engine.JoinByExternalCommit(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("rejoin %s: external commit: %w", conv, err)
	}
	return group, nil
}
