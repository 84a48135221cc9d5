package main

import (
	"os"

	"github.com/macroflight/frankenrouter/core"
	"github.com/macroflight/frankenrouter/forward"
	"github.com/macroflight/frankenrouter/listener"
	"github.com/macroflight/frankenrouter/rdp"
	"github.com/macroflight/frankenrouter/rules"
	"github.com/macroflight/frankenrouter/upstream"
)

func main() {
	r := core.NewRouter()
	os.Exit(r.Run(func(r *core.Router) []core.Task {
		engine := rules.New(r)
		return []core.Task{
			upstream.New(r),
			listener.New(r),
			forward.New(r, "forward-upstream", r.FromUpstream, engine),
			forward.New(r, "forward-clients", r.FromClients, engine),
			rdp.NewScheduler(r),
			rdp.NewGossip(r),
			core.NewStatusTask(r),
			core.NewHousekeeping(r),
			core.NewControl(r),
		}
	}))
}
