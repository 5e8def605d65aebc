// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package config defines the server configuration schema and helpers for
// loading and validating the config file.
package config

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"mould/internal/cryptoutil"
)

// ErrConfigNotFound is returned when the config file does not exist at the
// given path.
var ErrConfigNotFound = errors.New("mould config not found")

// File is the on-disk configuration schema.
type File struct {
	Host         string `yaml:"host,omitempty"`
	Port         int    `yaml:"port,omitempty"`
	ExtensionDir string `yaml:"extension_dir"`
	JobLogDir    string `yaml:"job_log_dir"`
	SignSecret   string `yaml:"sign_secret"`
	RSAPubKey    string `yaml:"rsa_pub_key"`
	RSAPriKey    string `yaml:"rsa_pri_key"`
	// ServerRandomValue is 32 bytes, base62-encoded, fixed at deployment.
	ServerRandomValue string `yaml:"server_random_value"`

	CacheServer   CacheServer              `yaml:"cache_server"`
	DataSource    DataSource               `yaml:"data_source"`
	BlobDir       string                   `yaml:"blob_dir"`
	PublicPath    string                   `yaml:"public_path"`
	Oauth2Servers map[string]Oauth2Server  `yaml:"oauth2_servers,omitempty"`
	OpenidServers map[string]OpenidServer  `yaml:"openid_servers,omitempty"`
	EmailAccount  EmailAccount             `yaml:"email_account"`
	EmailTemplate EmailTemplatePaths       `yaml:"email_template"`
}

// CacheServer locates the shared key-value cache. An empty host selects the
// in-process cache.
type CacheServer struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// DataSource holds the relational database DSN.
type DataSource struct {
	URL string `yaml:"url"`
}

// Oauth2Server configures one OAuth2 provider.
type Oauth2Server struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	UserInfoURL  string   `yaml:"user_info_url"`
	Scopes       []string `yaml:"scopes,omitempty"`
	Kind         string   `yaml:"kind,omitempty"` // github, wechat, ...
}

// OpenidServer configures one OpenID Connect provider.
type OpenidServer struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	IssuerURL    string   `yaml:"issuer_url"`
	RedirectURL  string   `yaml:"redirect_url,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// EmailAccount is the outbound mailbox.
type EmailAccount struct {
	Host     string `yaml:"mail_host"`
	Port     int    `yaml:"mail_port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Name     string `yaml:"name,omitempty"`
	Address  string `yaml:"address"`
}

// EmailTemplatePaths points at the captcha mail templates.
type EmailTemplatePaths struct {
	RegisterCaptcha      string `yaml:"register_captcha"`
	ResetPasswordCaptcha string `yaml:"reset_password_captcha"`
}

// EmailTemplates carries the loaded template sources.
type EmailTemplates struct {
	RegisterCaptcha      string
	ResetPasswordCaptcha string
}

// Config is the loaded, validated runtime configuration.
type Config struct {
	Host              string
	Port              int
	ExtensionDir      string
	JobLogDir         string
	SignSecret        []byte
	RSAPubKey         *rsa.PublicKey
	RSAPriKey         *rsa.PrivateKey
	RSAPubKeyPEM      string
	ServerRandomValue []byte
	CacheServer       CacheServer
	DataSource        DataSource
	BlobDir           string
	PublicPath        string
	Oauth2Servers     map[string]Oauth2Server
	OpenidServers     map[string]OpenidServer
	EmailAccount      EmailAccount
	EmailTemplates    EmailTemplates
}

// Load reads, parses and validates the config file, resolving key and
// template paths into loaded material.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return fromFile(&file)
}

func fromFile(file *File) (*Config, error) {
	if file.SignSecret == "" {
		return nil, fmt.Errorf("sign_secret is required")
	}
	if file.DataSource.URL == "" {
		return nil, fmt.Errorf("data_source.url is required")
	}
	if file.JobLogDir == "" {
		return nil, fmt.Errorf("job_log_dir is required")
	}

	host := file.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := file.Port
	if port == 0 {
		port = 80
	}

	pub, pubPEM, err := cryptoutil.ReadRSAPublicKeyFile(file.RSAPubKey)
	if err != nil {
		return nil, fmt.Errorf("loading server public key: %w", err)
	}
	priv, err := cryptoutil.ReadRSAPrivateKeyFile(file.RSAPriKey)
	if err != nil {
		return nil, fmt.Errorf("loading server private key: %w", err)
	}

	serverRandom, err := cryptoutil.Base62Decode(file.ServerRandomValue)
	if err != nil {
		return nil, fmt.Errorf("server_random_value is not base62: %w", err)
	}
	if len(serverRandom) != 32 {
		return nil, fmt.Errorf("server_random_value must decode to 32 bytes, got %d", len(serverRandom))
	}

	registerTemplate, err := os.ReadFile(file.EmailTemplate.RegisterCaptcha)
	if err != nil {
		return nil, fmt.Errorf("reading register captcha template: %w", err)
	}
	resetTemplate, err := os.ReadFile(file.EmailTemplate.ResetPasswordCaptcha)
	if err != nil {
		return nil, fmt.Errorf("reading reset password captcha template: %w", err)
	}

	return &Config{
		Host:              host,
		Port:              port,
		ExtensionDir:      file.ExtensionDir,
		JobLogDir:         strings.TrimRight(file.JobLogDir, "/\\"),
		SignSecret:        []byte(file.SignSecret),
		RSAPubKey:         pub,
		RSAPriKey:         priv,
		RSAPubKeyPEM:      string(pubPEM),
		ServerRandomValue: serverRandom,
		CacheServer:       file.CacheServer,
		DataSource:        file.DataSource,
		BlobDir:           file.BlobDir,
		PublicPath:        strings.TrimRight(file.PublicPath, "/"),
		Oauth2Servers:     file.Oauth2Servers,
		OpenidServers:     file.OpenidServers,
		EmailAccount:      file.EmailAccount,
		EmailTemplates: EmailTemplates{
			RegisterCaptcha:      string(registerTemplate),
			ResetPasswordCaptcha: string(resetTemplate),
		},
	}, nil
}
