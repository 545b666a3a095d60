// walletctl is the operator tool for the wallet service.
//
// Usage:
//
//	# Create or upgrade the schema
//	walletctl migrate --dsn /var/lib/wallet/wallet.db --driver sqlite
//
//	# Show a user's wallet
//	walletctl balance user-123
//
//	# Start a new billing cycle
//	walletctl reset-allowance user-123 --cents 500 --tier subscriber
//
//	# Credit a payment that the webhook missed
//	walletctl reconcile --provider stripe --tx cs_123 --user user-123 --cents 1000
//
//	# Usage per feature for October
//	walletctl report --from 2026-10-01 --to 2026-11-01
//
//	# Mint a service token for the product backend
//	walletctl token backend --roles service --ttl 720h
//
// Database flags default to DATABASE_DRIVER and DATABASE_URL, the token
// secret to AUTH_TOKEN_SECRET.
package main

func main() {
	Execute()
}
