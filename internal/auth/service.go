// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package auth implements the password handshake and the external-provider
// login bridge. Passwords never transit the wire: the client derives an
// auth key from (password, salt) and RSA-wraps it together with a one-shot
// nonce under the server's public key.
package auth

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"mould/internal/cache"
	"mould/internal/cryptoutil"
	"mould/internal/errno"
	"mould/internal/mail"
	"mould/internal/model"
	"mould/internal/store"
	"mould/pkg/logging"
)

// CaptchaTTL bounds how long an emailed captcha stays redeemable.
const CaptchaTTL = 5 * time.Minute

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Scene selects which captcha flow an email belongs to.
type Scene string

// Captcha scenes.
const (
	SceneRegister      Scene = "Register"
	SceneResetPassword Scene = "ResetPassword"
)

// Templates carries the rendered-source mail templates.
type Templates struct {
	RegisterCaptcha      string
	ResetPasswordCaptcha string
}

// CurrentUser is the session-resolved identity returned by auth RPCs.
type CurrentUser struct {
	ID              string           `json:"id"`
	OrgID           string           `json:"org_id,omitempty"`
	Name            string           `json:"name,omitempty"`
	AvatarURL       string           `json:"avatar_url,omitempty"`
	Source          model.UserSource `json:"source"`
	Email           string           `json:"email,omitempty"`
	UserRandomValue string           `json:"user_random_value,omitempty"`
	Provider        string           `json:"provider,omitempty"`
}

// Service implements the auth handshake operations.
type Service struct {
	store        store.Store
	sessions     *cache.SessionStore
	nonces       *cache.NonceStore
	cache        cache.Cache
	mailer       mail.Sender
	logger       logging.Logger
	priKey       *rsa.PrivateKey
	pubKeyPEM    string
	serverRandom []byte
	templates    Templates
	newID        func() string
	now          func() time.Time
}

// NewService wires the handshake over its collaborators.
func NewService(st store.Store, sessions *cache.SessionStore, nonces *cache.NonceStore, sharedCache cache.Cache, mailer mail.Sender, logger logging.Logger, priKey *rsa.PrivateKey, pubKeyPEM string, serverRandom []byte, templates Templates) *Service {
	return &Service{
		store:        st,
		sessions:     sessions,
		nonces:       nonces,
		cache:        sharedCache,
		mailer:       mailer,
		logger:       logger,
		priKey:       priKey,
		pubKeyPEM:    pubKeyPEM,
		serverRandom: serverRandom,
		templates:    templates,
		newID:        uuid.NewString,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// GetRSAPubKey returns the server's public key PEM.
func (s *Service) GetRSAPubKey() string {
	return s.pubKeyPEM
}

// GetNonce mints a one-shot handshake token.
func (s *Service) GetNonce(ctx context.Context) (string, error) {
	return s.nonces.Issue(ctx)
}

// GetSalt returns the base64 salt for email. Unknown accounts get a
// deterministic decoy derived from (email, server random), so probing this
// endpoint cannot enumerate registered addresses.
func (s *Service) GetSalt(ctx context.Context, email string) (string, error) {
	su, err := s.store.GetSystemUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return base64.StdEncoding.EncodeToString(cryptoutil.DecoySalt(email, s.serverRandom)), nil
		}
		return "", errno.Other(err)
	}
	clientRandom, err := base64.StdEncoding.DecodeString(su.UserRandomValue)
	if err != nil {
		return "", errno.Other(fmt.Errorf("stored user random value is not base64: %w", err))
	}
	return base64.StdEncoding.EncodeToString(cryptoutil.CalcSalt(clientRandom, s.serverRandom)), nil
}

// consumeNonce redeems a nonce or fails the RPC with TokenInvalid.
func (s *Service) consumeNonce(ctx context.Context, nonce string) error {
	ok, err := s.nonces.Consume(ctx, nonce)
	if err != nil {
		return errno.Other(err)
	}
	if !ok {
		return errno.TokenInvalid()
	}
	return nil
}

// decryptWithNonce unwraps an RSA ciphertext of value‖nonce and verifies
// the trailing nonce, binding the wrapped value to this exchange.
func (s *Service) decryptWithNonce(cipherB64 string, nonce string, what string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(cipherB64)
	if err != nil {
		return "", errno.Commonf("解码%s失败", what)
	}
	plain, err := cryptoutil.RSADecrypt(s.priKey, raw)
	if err != nil {
		s.logger.Error("rsa decrypt failed", logging.NewField("field", what), logging.NewField("error", err))
		return "", errno.Commonf("解密%s失败", what)
	}
	if !bytes.HasSuffix(plain, []byte(nonce)) {
		return "", errno.Commonf("%s校验失败", what)
	}
	return string(plain[:len(plain)-len(nonce)]), nil
}

// hashAuthKey turns the base64 auth key the client derived into the stored
// hash: base64(SHA-512(raw key)).
func hashAuthKey(authKeyB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(authKeyB64)
	if err != nil {
		return "", errno.Common("解码授权key失败！")
	}
	return base64.StdEncoding.EncodeToString(cryptoutil.SHA512(raw)), nil
}

func captchaKey(scene Scene, sessionID string) string {
	if scene == SceneResetPassword {
		return "reset-password-captcha-" + sessionID
	}
	return "register-captcha-" + sessionID
}

func normalizeCaptcha(captcha string) string {
	return strings.ToLower(strings.TrimSpace(captcha))
}

// checkCaptcha validates a captcha against the session-scoped cache entry
// seeded by SendEmailCaptcha. Comparison is case-insensitive and trimmed.
func (s *Service) checkCaptcha(ctx context.Context, scene Scene, sessionID string, captcha string) error {
	if captcha == "" {
		return errno.Common("验证码不能为空!")
	}
	cached, err := s.cache.Get(ctx, captchaKey(scene, sessionID))
	if err != nil {
		return errno.Other(err)
	}
	if cached == nil {
		return errno.Common("验证码不存在或已过期!")
	}
	if normalizeCaptcha(captcha) != normalizeCaptcha(string(cached)) {
		return errno.Common("验证码不正确!")
	}
	return nil
}

// SendEmailCaptcha mints a captcha for the scene, caches it under the
// caller's session for five minutes, renders the configured template and
// hands the mail to the delivery collaborator.
func (s *Service) SendEmailCaptcha(ctx context.Context, sessionID string, scene Scene, email string) error {
	if !emailPattern.MatchString(email) {
		return errno.Common("邮箱格式不正确")
	}
	id := uuid.New()
	captcha := cryptoutil.Base62Encode(id[:])

	source := s.templates.RegisterCaptcha
	subject := "欢迎注册"
	if scene == SceneResetPassword {
		source = s.templates.ResetPasswordCaptcha
		subject = "重置密码"
	}
	tpl, err := template.New("captcha").Parse(source)
	if err != nil {
		return errno.Other(fmt.Errorf("parsing captcha template: %w", err))
	}
	var body strings.Builder
	if err := tpl.Execute(&body, map[string]string{"Captcha": captcha}); err != nil {
		return errno.Other(fmt.Errorf("rendering captcha template: %w", err))
	}

	if err := s.cache.Set(ctx, captchaKey(scene, sessionID), []byte(captcha), CaptchaTTL); err != nil {
		return errno.Other(err)
	}
	if err := s.mailer.Send(ctx, email, subject, body.String()); err != nil {
		s.logger.Error("sending captcha mail failed", logging.NewField("email", email), logging.NewField("error", err))
		return errno.Common("发送验证码失败")
	}
	return nil
}

// RegisterRequest is the register RPC payload.
type RegisterRequest struct {
	Nonce           string `json:"nonce"`
	Account         string `json:"account"`
	UserRandomValue string `json:"user_random_value"`
	AuthKey         string `json:"auth_key"`
	Captcha         string `json:"captcha"`
}

// Register creates a SystemUser. The first user on a fresh server also
// creates the default organization and is bound to it; later users wait for
// an invite.
func (s *Service) Register(ctx context.Context, sessionID string, req *RegisterRequest) (*CurrentUser, error) {
	if err := s.consumeNonce(ctx, req.Nonce); err != nil {
		return nil, err
	}
	if err := s.checkCaptcha(ctx, SceneRegister, sessionID, req.Captcha); err != nil {
		return nil, err
	}
	email, err := s.decryptWithNonce(req.Account, req.Nonce, "邮箱")
	if err != nil {
		return nil, err
	}
	if !emailPattern.MatchString(email) {
		return nil, errno.Common("邮箱格式不正确")
	}
	authKeyB64, err := s.decryptWithNonce(req.AuthKey, req.Nonce, "授权秘钥")
	if err != nil {
		return nil, err
	}
	hashedAuthKey, err := hashAuthKey(authKeyB64)
	if err != nil {
		return nil, err
	}

	var user *model.User
	var systemUser *model.SystemUser
	err = s.store.InTx(ctx, func(tx store.Store) error {
		if _, err := tx.GetSystemUserByEmail(ctx, email); err == nil {
			return errno.Common("该邮箱已注册")
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		anyUser, err := tx.AnyUserExists(ctx)
		if err != nil {
			return err
		}
		currTime := s.now()
		orgID := ""
		if !anyUser {
			// First user on this server bootstraps the default tenant.
			orgID = s.newID()
			if err := tx.InsertOrganization(ctx, &model.Organization{
				ID: orgID, Name: "默认组织", CreatedTime: currTime, LastModifiedTime: currTime,
			}); err != nil {
				return err
			}
		}

		userID := s.newID()
		user = &model.User{
			ID:               userID,
			OrgID:            orgID,
			Source:           model.UserSourceSystem,
			Name:             email,
			CreatedTime:      currTime,
			LastModifiedTime: currTime,
		}
		systemUser = &model.SystemUser{
			ID:               userID,
			Email:            email,
			UserRandomValue:  req.UserRandomValue,
			HashedAuthKey:    hashedAuthKey,
			CreatedTime:      currTime,
			LastModifiedTime: currTime,
		}
		if err := tx.InsertUser(ctx, user); err != nil {
			return err
		}
		return tx.InsertSystemUser(ctx, systemUser)
	})
	if err != nil {
		return nil, err
	}

	if err := s.sessions.Put(ctx, sessionID, &cache.SessionInfo{
		AuthMethod: cache.AuthSystem,
		UserID:     user.ID,
		OrgID:      user.OrgID,
	}); err != nil {
		return nil, errno.Other(err)
	}
	return &CurrentUser{
		ID:              user.ID,
		OrgID:           user.OrgID,
		Name:            user.Name,
		Source:          model.UserSourceSystem,
		Email:           systemUser.Email,
		UserRandomValue: systemUser.UserRandomValue,
	}, nil
}

// LoginRequest is the login RPC payload.
type LoginRequest struct {
	Nonce   string `json:"nonce"`
	Account string `json:"account"`
	AuthKey string `json:"auth_key"`
}

// Login authenticates by (email, derived auth key). Zero and multiple
// matches fail with the same opaque message.
func (s *Service) Login(ctx context.Context, sessionID string, req *LoginRequest) (*CurrentUser, error) {
	if err := s.consumeNonce(ctx, req.Nonce); err != nil {
		return nil, err
	}
	email, err := s.decryptWithNonce(req.Account, req.Nonce, "邮箱")
	if err != nil {
		return nil, err
	}
	if !emailPattern.MatchString(email) {
		return nil, errno.Common("邮箱格式不正确")
	}
	authKeyB64, err := s.decryptWithNonce(req.AuthKey, req.Nonce, "授权秘钥")
	if err != nil {
		return nil, err
	}
	hashedAuthKey, err := hashAuthKey(authKeyB64)
	if err != nil {
		return nil, err
	}

	matches, err := s.store.FindSystemUsers(ctx, email, hashedAuthKey)
	if err != nil {
		return nil, errno.Other(err)
	}
	if len(matches) != 1 {
		if len(matches) > 1 {
			s.logger.Warn("multiple system users for one credential pair", logging.NewField("email", email))
		}
		return nil, errno.Common("用户名或密码错误！")
	}
	systemUser := matches[0]
	user, err := s.store.GetUser(ctx, systemUser.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errno.Common("不存在此用户！")
		}
		return nil, errno.Other(err)
	}

	if err := s.sessions.Put(ctx, sessionID, &cache.SessionInfo{
		AuthMethod: cache.AuthSystem,
		UserID:     user.ID,
		OrgID:      user.OrgID,
	}); err != nil {
		return nil, errno.Other(err)
	}
	return &CurrentUser{
		ID:              user.ID,
		OrgID:           user.OrgID,
		Name:            user.Name,
		AvatarURL:       user.AvatarURL,
		Source:          model.UserSourceSystem,
		Email:           systemUser.Email,
		UserRandomValue: systemUser.UserRandomValue,
	}, nil
}

// ChangePasswordRequest is the change-password RPC payload.
type ChangePasswordRequest struct {
	Nonce      string `json:"nonce"`
	OldAuthKey string `json:"old_auth_key"`
	NewAuthKey string `json:"new_auth_key"`
}

// ChangePassword verifies the caller's current auth key and replaces the
// stored hash.
func (s *Service) ChangePassword(ctx context.Context, userID string, req *ChangePasswordRequest) error {
	if err := s.consumeNonce(ctx, req.Nonce); err != nil {
		return err
	}
	oldKeyB64, err := s.decryptWithNonce(req.OldAuthKey, req.Nonce, "旧授权秘钥")
	if err != nil {
		return err
	}
	newKeyB64, err := s.decryptWithNonce(req.NewAuthKey, req.Nonce, "新授权秘钥")
	if err != nil {
		return err
	}
	oldHash, err := hashAuthKey(oldKeyB64)
	if err != nil {
		return err
	}
	newHash, err := hashAuthKey(newKeyB64)
	if err != nil {
		return err
	}

	return s.store.InTx(ctx, func(tx store.Store) error {
		systemUser, err := tx.GetSystemUser(ctx, userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errno.Common("不存在此用户！")
			}
			return err
		}
		if systemUser.HashedAuthKey != oldHash {
			return errno.Common("旧密码不正确！")
		}
		return tx.UpdateSystemUserAuthKey(ctx, userID, newHash)
	})
}

// ResetPasswordRequest is the reset-password RPC payload.
type ResetPasswordRequest struct {
	Nonce   string `json:"nonce"`
	Account string `json:"account"`
	AuthKey string `json:"auth_key"`
	Captcha string `json:"captcha"`
}

// ResetPassword replaces the stored auth key hash after captcha proof of
// mailbox ownership.
func (s *Service) ResetPassword(ctx context.Context, sessionID string, req *ResetPasswordRequest) error {
	if err := s.consumeNonce(ctx, req.Nonce); err != nil {
		return err
	}
	if err := s.checkCaptcha(ctx, SceneResetPassword, sessionID, req.Captcha); err != nil {
		return err
	}
	email, err := s.decryptWithNonce(req.Account, req.Nonce, "邮箱")
	if err != nil {
		return err
	}
	authKeyB64, err := s.decryptWithNonce(req.AuthKey, req.Nonce, "授权秘钥")
	if err != nil {
		return err
	}
	newHash, err := hashAuthKey(authKeyB64)
	if err != nil {
		return err
	}

	return s.store.InTx(ctx, func(tx store.Store) error {
		systemUser, err := tx.GetSystemUserByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errno.Common("该邮箱未注册")
			}
			return err
		}
		return tx.UpdateSystemUserAuthKey(ctx, systemUser.ID, newHash)
	})
}

// Logout drops the session.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if err := s.sessions.Drop(ctx, sessionID); err != nil {
		return errno.Other(err)
	}
	return nil
}

// GetCurrentUser resolves the session's identity for the client.
func (s *Service) GetCurrentUser(ctx context.Context, info *cache.SessionInfo) (*CurrentUser, error) {
	user, err := s.store.GetUser(ctx, info.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errno.Common("不存在此用户！")
		}
		return nil, errno.Other(err)
	}
	current := &CurrentUser{
		ID:        user.ID,
		OrgID:     user.OrgID,
		Name:      user.Name,
		AvatarURL: user.AvatarURL,
		Source:    user.Source,
	}
	switch info.AuthMethod {
	case cache.AuthSystem:
		systemUser, err := s.store.GetSystemUser(ctx, info.UserID)
		if err == nil {
			current.Email = systemUser.Email
			current.UserRandomValue = systemUser.UserRandomValue
		}
	case cache.AuthOauth2:
		if info.Oauth2 != nil {
			current.Provider = info.Oauth2.Provider
		}
	case cache.AuthOpenid:
		if info.Openid != nil {
			current.Provider = info.Openid.Provider
		}
	}
	return current, nil
}
