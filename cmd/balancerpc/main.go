// Command balancerpc runs pattern servers and sends balanced calls to them.
//
//	balancerpc serve --pin role:echo --listen :4000
//	balancerpc serve --pin role:echo --listen :4001
//	balancerpc act --group role:echo --target 127.0.0.1:4000 --target 127.0.0.1:4001 -n 4 role:echo,x:1
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
