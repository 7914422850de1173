package local

import (
	"context"
	"fmt"

	"github.com/goliatone/go-authstate"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SendPasswordReset records a reset request for email and hands its token
// to the configured ResetSender.
func (p *Provider) SendPasswordReset(ctx context.Context, email string) error {
	select {
	case <-ctx.Done():
		return providerError(CodeInternal, "context cancelled during password reset", ctx.Err())
	default:
	}

	var reset *PasswordReset
	err := p.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		account, err := p.repo.Accounts().GetByEmailTx(ctx, tx, email)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return providerError(CodeUserNotFound, "no account for this email", nil)
			}
			return err
		}
		if account.Federated() {
			return providerError(CodeDifferentProviders, "account uses a federated sign-in", nil)
		}

		now := p.now().UTC()
		reset, err = p.repo.PasswordResets().CreateTx(ctx, tx, &PasswordReset{
			ID:        uuid.New(),
			AccountID: account.ID,
			Email:     account.Email,
			Status:    ResetRequestedStatus,
			CreatedAt: &now,
		})
		return err
	})
	if err != nil {
		return p.storageError("password reset request", err)
	}

	if p.resetSender == nil {
		p.logger.Warn("local provider has no reset sender", "email", reset.Email)
		return nil
	}
	if err := p.resetSender.SendReset(ctx, reset.Email, reset.ID.String()); err != nil {
		return providerError(CodeInternal, "failed to deliver password reset", err)
	}

	p.logger.Info("password reset requested", "subject_id", reset.AccountID.String())
	return nil
}

// ConfirmPasswordReset sets a new password using a token issued by
// SendPasswordReset. Tokens are single use and expire after Config.ResetTTL.
func (p *Provider) ConfirmPasswordReset(ctx context.Context, token, password string) error {
	id, err := uuid.Parse(token)
	if err != nil {
		return providerError(CodeInvalidActionCode, "invalid password reset token", nil)
	}
	if len(password) < p.cfg.MinPasswordLength {
		return providerError(CodeWeakPassword, fmt.Sprintf("password should be at least %d characters", p.cfg.MinPasswordLength), nil)
	}

	hash, err := authstate.HashCredential(password)
	if err != nil {
		return providerError(CodeInternal, "failed to hash password", err)
	}

	err = p.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		reset, err := p.repo.PasswordResets().GetByTokenTx(ctx, tx, id)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return providerError(CodeInvalidActionCode, "invalid password reset token", nil)
			}
			return err
		}
		if reset.Status != ResetRequestedStatus {
			return providerError(CodeInvalidActionCode, "password reset token has already been used", nil)
		}

		now := p.now()
		if reset.Expired(now, p.cfg.ResetTTL) {
			return providerError(CodeExpiredActionCode, "password reset token has expired", nil)
		}

		if err := p.repo.Accounts().ResetPasswordTx(ctx, tx, reset.AccountID, hash); err != nil {
			return err
		}
		if err := p.repo.PasswordResets().MarkChangedTx(ctx, tx, reset.ID, now); err != nil {
			if repository.IsRecordNotFound(err) {
				return providerError(CodeInvalidActionCode, "password reset token has already been used", nil)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return p.storageError("password reset confirmation", err)
	}
	return nil
}
