package provisioner

import "context"

// AccountProvisioner manages accounts on the external media server. It is
// never called while a database transaction is open.
type AccountProvisioner interface {
	CreateAccount(ctx context.Context, username, password string) (externalID string, err error)
	DeleteAccount(ctx context.Context, externalID string) error
	RenameAccount(ctx context.Context, externalID, username string) error
	ResetPassword(ctx context.Context, externalID, password string) error
}
