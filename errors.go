/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotJoined        = errors.New("join a team before submitting")
	ErrNoRound          = errors.New("no round has been started")
	ErrRoundClosed      = errors.New("the current round is closed")
	ErrAlreadySubmitted = errors.New("your team already submitted this round")
	ErrAlreadyJoined    = errors.New("this connection already joined a different team")
	ErrEmptyTeamName    = errors.New("team name is required")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrNotAdmin         = errors.New("admin actions require an admin connection")
	ErrUnknownMessage   = errors.New("unknown message type")
)

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
