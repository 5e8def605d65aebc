// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"mould/internal/auth"
	"mould/internal/blob"
	"mould/internal/cache"
	"mould/internal/cryptoutil"
	"mould/internal/errno"
	"mould/internal/job"
	"mould/internal/metrics"
	"mould/internal/service"
	"mould/pkg/logging"
)

// sessionCookie is the cookie carrying the opaque session id minted by this
// layer.
const sessionCookie = "session-id"

// requestContext carries the per-request identity into handlers.
type requestContext struct {
	sessionID string
	info      *cache.SessionInfo
}

// userID returns the authenticated user id; empty for guests.
func (rc *requestContext) userID() string {
	if rc.info == nil {
		return ""
	}
	return rc.info.UserID
}

// orgID returns the authenticated user's org; handlers that operate on
// org-scoped entities reject an empty one.
func (rc *requestContext) orgID() string {
	if rc.info == nil {
		return ""
	}
	return rc.info.OrgID
}

type handlerFunc func(ctx context.Context, rc *requestContext, body []byte) (any, error)

type route struct {
	// guest routes are exempt from session-required enforcement but still
	// pass signature verification.
	guest  bool
	handle handlerFunc
}

// Server is the authenticated RPC surface.
type Server struct {
	logger       logging.Logger
	sessions     *cache.SessionStore
	auth         *auth.Service
	external     *auth.ExternalService
	users        *service.UserService
	schemas      *service.SchemaService
	environments *service.EnvironmentService
	jobDefs      *service.JobDefinitionService
	extensions   *service.ExtensionService
	jobs         *job.Service
	blobs        blob.Store
	routes       map[string]route
	now          func() time.Time
}

// NewServer assembles the RPC surface over its services.
func NewServer(logger logging.Logger, sessions *cache.SessionStore, authSvc *auth.Service, external *auth.ExternalService, users *service.UserService, schemas *service.SchemaService, environments *service.EnvironmentService, jobDefs *service.JobDefinitionService, extensions *service.ExtensionService, jobs *job.Service, blobs blob.Store) *Server {
	s := &Server{
		logger:       logger,
		sessions:     sessions,
		auth:         authSvc,
		external:     external,
		users:        users,
		schemas:      schemas,
		environments: environments,
		jobDefs:      jobDefs,
		extensions:   extensions,
		jobs:         jobs,
		blobs:        blobs,
		now:          func() time.Time { return time.Now().UTC() },
	}
	s.routes = s.buildRoutes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", s.handleAPI)
	mux.HandleFunc("/blob", s.handleBlobUpload)
	mux.HandleFunc("/blob/", s.handleBlobGet)
	mux.HandleFunc("/oauth2/login/", s.handleOauth2Login)
	mux.HandleFunc("/oidc/login/", s.handleOpenidLogin)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// decode unmarshals an RPC body or fails with ParamFormatError.
func decode[T any](body []byte) (*T, error) {
	var req T
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errno.ParamFormat(err)
	}
	return &req, nil
}

// requireOrg fails handlers that need an organization-scoped caller.
func requireOrg(rc *requestContext) (string, error) {
	orgID := rc.orgID()
	if orgID == "" {
		return "", errno.NotAllowed()
	}
	return orgID, nil
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	started := s.now()
	routePath := r.URL.Path

	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w)
		return
	}

	// Signature verification runs on every POST, whitelisted or not.
	_, err = VerifyEnvelope(routePath, r.Header.Get("X-Client-Id"), r.Header.Get("X-Hash"), body, s.now())
	if err != nil {
		if errors.Is(err, ErrBadSignature) {
			s.logger.Warn("request signature rejected", logging.NewField("route", routePath))
			writeJSON(w, errResponse(errno.NotAllowed()))
			return
		}
		s.logger.Warn("bad request envelope", logging.NewField("route", routePath), logging.NewField("error", err))
		writeBadRequest(w)
		return
	}

	rc, _ := s.resolveSession(w, r)
	logger := s.logger.WithFields(logging.NewField("route", routePath), logging.NewField("session_id", rc.sessionID))

	rt, ok := s.routes[routePath]
	if !ok {
		writeJSON(w, errResponse(errno.Common("没有此接口")))
		return
	}
	if !rt.guest && rc.info == nil {
		writeJSON(w, errResponse(errno.LoginRequired()))
		return
	}

	data, err := rt.handle(r.Context(), rc, body)
	if err != nil {
		logger.Error("rpc failed", logging.NewField("error", err))
		writeJSON(w, errResponse(err))
	} else {
		writeJSON(w, okResponse(data))
	}
	metrics.ObserveRPC(routePath, s.now().Sub(started))
}

// resolveSession loads the caller's session, minting a fresh opaque id
// cookie when none is present, and refreshes the TTL of live sessions.
func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request) (*requestContext, bool) {
	ctx := r.Context()
	minted := false
	var sessionID string
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		sessionID = cookie.Value
	} else {
		sessionID = uuid.NewString()
		minted = true
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    sessionID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	rc := &requestContext{sessionID: sessionID}
	if !minted {
		info, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			s.logger.Error("loading session failed", logging.NewField("error", err))
		} else if info != nil {
			rc.info = info
			if err := s.sessions.Touch(ctx, sessionID); err != nil {
				s.logger.Warn("refreshing session ttl failed", logging.NewField("error", err))
			}
		}
	}
	return rc, minted
}

// --- blob endpoints ---

// handleBlobUpload ingests a multipart upload ({size, file}) and returns
// the content key. Uploads require a session.
func (s *Server) handleBlobUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	rc, _ := s.resolveSession(w, r)
	if rc.info == nil {
		writeJSON(w, errResponse(errno.LoginRequired()))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeBadRequest(w)
		return
	}
	defer file.Close()

	key, err := s.blobs.Put(r.Context(), file)
	if err != nil {
		s.logger.Error("blob upload failed", logging.NewField("error", err))
		writeJSON(w, errResponse(errno.Other(err)))
		return
	}
	writeJSON(w, okResponse(map[string]string{"key": key}))
}

// handleBlobGet streams a blob. The key doubles as the strong ETag, so
// conditional fetches short-circuit with 304.
func (s *Server) handleBlobGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/blob/")
	if _, err := hex.DecodeString(key); err != nil || key == "" {
		http.NotFound(w, r)
		return
	}
	if match := r.Header.Get("If-None-Match"); match == key {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	reader, err := s.blobs.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer reader.Close()
	w.Header().Set("ETag", key)
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.Warn("blob stream interrupted", logging.NewField("key", key), logging.NewField("error", err))
	}
}

// --- provider browser entry points ---

func (s *Server) handleOauth2Login(w http.ResponseWriter, r *http.Request) {
	provider := strings.TrimPrefix(r.URL.Path, "/oauth2/login/")
	state := cryptoutil.Base62Encode(uuidBytes())
	authURL, err := s.external.Oauth2AuthCodeURL(provider, state)
	if err != nil {
		writeBadRequest(w)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) handleOpenidLogin(w http.ResponseWriter, r *http.Request) {
	provider := strings.TrimPrefix(r.URL.Path, "/oidc/login/")
	state := cryptoutil.Base62Encode(uuidBytes())
	authURL, err := s.external.OpenidAuthCodeURL(r.Context(), provider, state)
	if err != nil {
		writeBadRequest(w)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func uuidBytes() []byte {
	id := uuid.New()
	return id[:]
}

// --- route table ---

type idRequest struct {
	ID string `json:"id"`
}

func (s *Server) buildRoutes() map[string]route {
	return map[string]route{
		// auth exchange endpoints: session-exempt.
		"/api/auth/getRsaPubKey": {guest: true, handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			return s.auth.GetRSAPubKey(), nil
		}},
		"/api/auth/getNonce": {guest: true, handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			return s.auth.GetNonce(ctx)
		}},
		"/api/auth/getSalt": {guest: true, handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			req, err := decode[struct {
				Email string `json:"email"`
			}](body)
			if err != nil {
				return nil, err
			}
			return s.auth.GetSalt(ctx, req.Email)
		}},
		"/api/auth/sendEmailCaptcha": {guest: true, handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			req, err := decode[struct {
				Scene auth.Scene `json:"scene"`
				Email string     `json:"email"`
			}](body)
			if err != nil {
				return nil, err
			}
			return nil, s.auth.SendEmailCaptcha(ctx, rc.sessionID, req.Scene, req.Email)
		}},
		"/api/auth/register": {guest: true, handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			req, err := decode[auth.RegisterRequest](body)
			if err != nil {
				return nil, err
			}
			return s.auth.Register(ctx, rc.sessionID, req)
		}},
		"/api/auth/login": {guest: true, handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			req, err := decode[auth.LoginRequest](body)
			if err != nil {
				return nil, err
			}
			return s.auth.Login(ctx, rc.sessionID, req)
		}},
		"/api/auth/resetPassword": {guest: true, handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			req, err := decode[auth.ResetPasswordRequest](body)
			if err != nil {
				return nil, err
			}
			return nil, s.auth.ResetPassword(ctx, rc.sessionID, req)
		}},
		"/api/auth/changePassword": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			req, err := decode[auth.ChangePasswordRequest](body)
			if err != nil {
				return nil, err
			}
			return nil, s.auth.ChangePassword(ctx, rc.userID(), req)
		}},
		"/api/auth/logout": {guest: true, handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			return nil, s.auth.Logout(ctx, rc.sessionID)
		}},
		"/api/auth/getCurrUser": {guest: true, handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			if rc.info == nil {
				return nil, nil
			}
			return s.auth.GetCurrentUser(ctx, rc.info)
		}},
		"/api/auth/getOpenidProviders": {guest: true, handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			return s.external.OpenidProviders(), nil
		}},
		"/api/auth/loginByOauth2Code": {guest: true, handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			req, err := decode[struct {
				Provider string `json:"provider"`
				Code     string `json:"code"`
			}](body)
			if err != nil {
				return nil, err
			}
			return s.external.LoginByOauth2Code(ctx, rc.sessionID, req.Provider, req.Code)
		}},
		"/api/auth/loginByOpenidCode": {guest: true, handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			req, err := decode[struct {
				Provider string `json:"provider"`
				Code     string `json:"code"`
			}](body)
			if err != nil {
				return nil, err
			}
			return s.external.LoginByOpenidCode(ctx, rc.sessionID, req.Provider, req.Code)
		}},

		// system.
		"/api/system/getSystemInfo": {guest: true, handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			return map[string]any{"current_time": s.now().Format(time.RFC3339Nano)}, nil
		}},

		// extensions.
		"/api/extension/queryExtension": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			if _, err := requireOrg(rc); err != nil {
				return nil, err
			}
			return s.extensions.Query(ctx), nil
		}},
		"/api/extension/testConfiguration": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			if _, err := requireOrg(rc); err != nil {
				return nil, err
			}
			req, err := decode[struct {
				ExtensionID   string          `json:"extension_id"`
				Configuration json.RawMessage `json:"configuration"`
			}](body)
			if err != nil {
				return nil, err
			}
			return nil, s.extensions.TestConfiguration(ctx, req.ExtensionID, req.Configuration)
		}},

		// environment schemas.
		"/api/environmentSchema/saveEnvironmentSchema": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[service.SchemaInput](body)
			if err != nil {
				return nil, err
			}
			id, err := s.schemas.Save(ctx, orgID, req)
			if err != nil {
				return nil, err
			}
			return map[string]string{"id": id}, nil
		}},
		"/api/environmentSchema/readEnvironmentSchema": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[idRequest](body)
			if err != nil {
				return nil, err
			}
			return s.schemas.Read(ctx, orgID, req.ID)
		}},
		"/api/environmentSchema/queryEnvironmentSchema": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			return s.schemas.Query(ctx, orgID)
		}},
		"/api/environmentSchema/deleteEnvironmentSchema": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[idRequest](body)
			if err != nil {
				return nil, err
			}
			return nil, s.schemas.Delete(ctx, orgID, req.ID)
		}},

		// environments.
		"/api/environment/insertEnvironment": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[service.EnvironmentInput](body)
			if err != nil {
				return nil, err
			}
			id, err := s.environments.Insert(ctx, orgID, req)
			if err != nil {
				return nil, err
			}
			return map[string]string{"id": id}, nil
		}},
		"/api/environment/updateEnvironment": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[service.EnvironmentInput](body)
			if err != nil {
				return nil, err
			}
			return nil, s.environments.Update(ctx, orgID, req)
		}},
		"/api/environment/readEnvironment": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[idRequest](body)
			if err != nil {
				return nil, err
			}
			return s.environments.Read(ctx, orgID, req.ID)
		}},
		"/api/environment/queryEnvironment": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[struct {
				SchemaID string `json:"environment_schema_id"`
			}](body)
			if err != nil {
				return nil, err
			}
			return s.environments.Query(ctx, orgID, req.SchemaID)
		}},
		"/api/environment/deleteEnvironment": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[idRequest](body)
			if err != nil {
				return nil, err
			}
			return nil, s.environments.Delete(ctx, orgID, req.ID)
		}},

		// jobs.
		"/api/job/insertJob": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[service.JobInput](body)
			if err != nil {
				return nil, err
			}
			id, err := s.jobDefs.Insert(ctx, orgID, req)
			if err != nil {
				return nil, err
			}
			return map[string]string{"id": id}, nil
		}},
		"/api/job/updateJob": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[service.JobInput](body)
			if err != nil {
				return nil, err
			}
			return nil, s.jobDefs.Update(ctx, orgID, req)
		}},
		"/api/job/readJob": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[idRequest](body)
			if err != nil {
				return nil, err
			}
			return s.jobDefs.Read(ctx, orgID, req.ID)
		}},
		"/api/job/queryJob": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[struct {
				SchemaID string `json:"environment_schema_id"`
			}](body)
			if err != nil {
				return nil, err
			}
			return s.jobDefs.Query(ctx, orgID, req.SchemaID)
		}},
		"/api/job/deleteJob": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[idRequest](body)
			if err != nil {
				return nil, err
			}
			return nil, s.jobDefs.Delete(ctx, orgID, req.ID)
		}},
		"/api/job/startJob": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[struct {
				JobID         string `json:"job_id"`
				EnvironmentID string `json:"environment_id"`
			}](body)
			if err != nil {
				return nil, err
			}
			id, err := s.jobs.StartJob(ctx, orgID, req.JobID, req.EnvironmentID)
			if err != nil {
				return nil, err
			}
			return map[string]string{"id": id}, nil
		}},
		"/api/job/continueJob": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[struct {
				RecordID     string `json:"record_id"`
				StepRecordID string `json:"step_record_id"`
				Success      bool   `json:"success"`
			}](body)
			if err != nil {
				return nil, err
			}
			return nil, s.jobs.ContinueJob(ctx, orgID, req.RecordID, req.StepRecordID, req.Success)
		}},

		// job records.
		"/api/jobRecord/queryJobRecord": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[struct {
				JobID string `json:"job_id"`
			}](body)
			if err != nil {
				return nil, err
			}
			return s.jobs.QueryJobRecords(ctx, orgID, req.JobID)
		}},
		"/api/jobRecord/readJobRecord": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[idRequest](body)
			if err != nil {
				return nil, err
			}
			return s.jobs.ReadJobRecord(ctx, orgID, req.ID)
		}},

		// users.
		"/api/user/readUser": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			req, err := decode[idRequest](body)
			if err != nil {
				return nil, err
			}
			return s.users.Read(ctx, orgID, req.ID)
		}},
		"/api/user/queryUser": {handle: func(ctx context.Context, rc *requestContext, body []byte) (any, error) {
			orgID, err := requireOrg(rc)
			if err != nil {
				return nil, err
			}
			return s.users.Query(ctx, orgID)
		}},
	}
}

// ListenAndServe runs the HTTP daemon until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", logging.NewField("addr", addr))
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		return nil
	}
}
