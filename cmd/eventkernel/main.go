// Command eventkernel runs the event kernel server and talks to it.
//
//	eventkernel serve --config eventkernel.yaml
//	eventkernel append --log orders --source order-1 --type order-placed --content '{"total":10}'
//	eventkernel read --log orders --where 'content.total > 100.0'
//	eventkernel export --log orders --bucket file:///var/backups/events --compress
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
