package orchestrator

import (
	"context"
	"errors"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/gateway"
	"github.com/alexfaker/autoGenVideo/internal/infra/credentials"
	"github.com/alexfaker/autoGenVideo/internal/providers/vidu"
)

// SendCode asks the service to text a login code to phone.
func (o *Orchestrator) SendCode(ctx context.Context, accountID, phone string) error {
	_, err := o.gw.Execute(ctx, gateway.Operation{
		Kind:       gateway.OpSendCode,
		AccountID:  accountID,
		MaxRetries: gateway.DefaultRetries,
		Call: func(ctx context.Context, _ *domain.Credential) error {
			return o.remote.SendAuthCode(ctx, phone)
		},
	})
	return err
}

// Login exchanges an SMS code for a session and stores it for accountID.
func (o *Orchestrator) Login(ctx context.Context, accountID, phone, code string) (domain.Credential, error) {
	if accountID == "" {
		return domain.Credential{}, errors.New("orchestrator: account id is required")
	}
	var sess *vidu.Session
	_, err := o.gw.Execute(ctx, gateway.Operation{
		Kind:       gateway.OpAuthenticate,
		AccountID:  accountID,
		MaxRetries: 1,
		Call: func(ctx context.Context, _ *domain.Credential) error {
			var err error
			sess, err = o.remote.Login(ctx, phone, code)
			return err
		},
	})
	if err != nil {
		return domain.Credential{}, err
	}
	cred := o.credentialFrom(accountID, sess, "")
	if err := o.sessions.Put(ctx, cred); err != nil {
		return domain.Credential{}, err
	}
	o.logger.Info().Str("account", accountID).Time("expires_at", cred.ExpiresAt).Msg("logged in")
	return cred, nil
}

// Logout ends the remote session and forgets the credential. The local
// credential is dropped even when the remote call fails.
func (o *Orchestrator) Logout(ctx context.Context, accountID string) error {
	_, remoteErr := o.gw.Execute(ctx, gateway.Operation{
		Kind:       gateway.OpLogout,
		AccountID:  accountID,
		MaxRetries: 0,
		Call: func(ctx context.Context, cred *domain.Credential) error {
			return o.remote.Logout(ctx, token(cred))
		},
	})
	if remoteErr != nil && errors.Is(remoteErr, domain.ErrAuthRequired) {
		remoteErr = nil
	}
	if err := o.sessions.Invalidate(context.WithoutCancel(ctx), accountID); err != nil {
		return errors.Join(remoteErr, err)
	}
	return remoteErr
}

// Refresher returns the session store's refresh hook. It goes through the
// gateway as a credential-free call and is attempted at most twice.
func (o *Orchestrator) Refresher() credentials.Refresher {
	return credentials.RefreshFunc(func(ctx context.Context, cur domain.Credential) (domain.Credential, error) {
		var sess *vidu.Session
		_, err := o.gw.Execute(ctx, gateway.Operation{
			Kind:       gateway.OpRefresh,
			AccountID:  cur.AccountID,
			MaxRetries: 1,
			Call: func(ctx context.Context, _ *domain.Credential) error {
				var err error
				sess, err = o.remote.Refresh(ctx, cur.RefreshToken)
				return err
			},
		})
		if err != nil {
			return domain.Credential{}, err
		}
		return o.credentialFrom(cur.AccountID, sess, cur.RefreshToken), nil
	})
}

func (o *Orchestrator) credentialFrom(accountID string, sess *vidu.Session, prevRefresh string) domain.Credential {
	refresh := sess.RefreshToken
	if refresh == "" {
		refresh = prevRefresh
	}
	cred := credentials.NewCredential(accountID, sess.Token, refresh, o.now(), o.sessionTTL)
	if !sess.ExpiresAt.IsZero() {
		cred.ExpiresAt = sess.ExpiresAt
	}
	return cred
}
