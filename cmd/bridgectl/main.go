// Command bridgectl logs in through the OIDC provider, obtains a ledger
// delegation for the session key and exercises it.
package main

import (
	"os"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/cmd/bridgectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
