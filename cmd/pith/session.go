package main

import "fmt"

type SessionCmd struct {
	New     SessionNewCmd     `cmd:"" help:"Start a fresh session and print its id."`
	Compact SessionCompactCmd `cmd:"" help:"Fold older history into a summary."`
	Info    SessionInfoCmd    `cmd:"" help:"Show session state as JSON."`
}

type SessionNewCmd struct{}

func (c *SessionNewCmd) Run(g *Globals) error {
	id, err := newClient(g).newSession()
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

type SessionCompactCmd struct {
	Session string `arg:"" optional:"" help:"Session id. Defaults to the active session."`
}

func (c *SessionCompactCmd) Run(g *Globals) error {
	result, err := newClient(g).compact(c.Session)
	if err != nil {
		return err
	}
	fmt.Println(result)
	return nil
}

type SessionInfoCmd struct {
	Session string `arg:"" optional:"" help:"Session id. Defaults to the active session."`
}

func (c *SessionInfoCmd) Run(g *Globals) error {
	info, err := newClient(g).info(c.Session)
	if err != nil {
		return err
	}
	fmt.Println(info)
	return nil
}
