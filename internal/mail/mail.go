// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package mail delivers captcha emails. The Sender interface is the
// collaborator boundary; SMTP is the production implementation.
package mail

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
)

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, to string, subject string, body string) error
}

// Account holds the configured outbound mailbox.
type Account struct {
	Host     string
	Port     int
	Username string
	Password string
	Name     string
	Address  string
}

// SMTP implements Sender over authenticated SMTP with an HTML body.
type SMTP struct {
	account Account
}

// NewSMTP creates a sender for the account.
func NewSMTP(account Account) *SMTP {
	return &SMTP{account: account}
}

// Send implements Sender.
func (s *SMTP) Send(_ context.Context, to string, subject string, body string) error {
	from := s.account.Address
	fromHeader := from
	if s.account.Name != "" {
		fromHeader = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.account.Name), from)
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", fromHeader)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", s.account.Host, s.account.Port)
	auth := smtp.PlainAuth("", s.account.Username, s.account.Password, s.account.Host)
	if err := smtp.SendMail(addr, auth, from, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("sending mail to %s: %w", to, err)
	}
	return nil
}
