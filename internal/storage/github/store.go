// Package github 以 GitHub contents API 的單一 JSON 檔作為文件儲存.
// revision 即檔案 blob SHA.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"keybot/internal/platform/config"
	"keybot/internal/storage/document"

	"github.com/google/go-github/v74/github"
	"golang.org/x/oauth2"
)

// Store GitHub 文件儲存.
type Store struct {
	client *github.Client
	owner  string
	repo   string
	branch string
	path   string
	now    func() time.Time
}

// New 建立 GitHub 文件儲存.
func New(cfg config.GitHubConfig) (*Store, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("github token 不能為空")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github owner/repo 不能為空")
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: strings.TrimSpace(cfg.Token)},
	)
	tc := oauth2.NewClient(context.Background(), ts)
	client := github.NewClient(tc)

	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("github base url 格式錯誤: %w", err)
		}
		client.BaseURL = u
	}

	path := cfg.Path
	if path == "" {
		path = "keys.json"
	}

	return &Store{
		client: client,
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		branch: cfg.Branch,
		path:   path,
		now:    time.Now,
	}, nil
}

// Load 讀取檔案；404 視為尚未建立.
func (s *Store) Load(ctx context.Context) (*document.Document, document.Revision, error) {
	var opts *github.RepositoryContentGetOptions
	if s.branch != "" {
		opts = &github.RepositoryContentGetOptions{Ref: s.branch}
	}

	file, _, resp, err := s.client.Repositories.GetContents(ctx, s.owner, s.repo, s.path, opts)
	if err != nil {
		if statusOf(resp, err) == http.StatusNotFound {
			return document.New(), "", nil
		}
		return nil, "", document.TransportError("github load", err)
	}
	if file == nil {
		return nil, "", document.TransportError("github load", fmt.Errorf("%s 不是檔案", s.path))
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, "", document.TransportError("github load", err)
	}
	doc, err := document.Decode([]byte(content))
	if err != nil {
		return nil, "", err
	}
	return doc, document.Revision(file.GetSHA()), nil
}

// Ping 只查詢 repository 是否可存取，不下載文件內容.
func (s *Store) Ping(ctx context.Context) error {
	if _, _, err := s.client.Repositories.Get(ctx, s.owner, s.repo); err != nil {
		return document.TransportError("github ping", err)
	}
	return nil
}

// Save 以 SHA 作為前置條件寫入；空 revision 代表建立新檔.
func (s *Store) Save(ctx context.Context, doc *document.Document, rev document.Revision) (document.Revision, error) {
	data, err := document.Encode(doc)
	if err != nil {
		return "", err
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(fmt.Sprintf("Update keys database - %s", s.now().Format("2006-01-02 15:04:05"))),
		Content: data,
	}
	if s.branch != "" {
		opts.Branch = github.Ptr(s.branch)
	}

	var (
		result *github.RepositoryContentResponse
		resp   *github.Response
	)
	if rev.IsZero() {
		result, resp, err = s.client.Repositories.CreateFile(ctx, s.owner, s.repo, s.path, opts)
	} else {
		opts.SHA = github.Ptr(string(rev))
		result, resp, err = s.client.Repositories.UpdateFile(ctx, s.owner, s.repo, s.path, opts)
	}
	if err != nil {
		switch statusOf(resp, err) {
		case http.StatusConflict, http.StatusUnprocessableEntity:
			return "", fmt.Errorf("github save: %w", document.ErrConflict)
		}
		return "", document.TransportError("github save", err)
	}
	if result == nil || result.Content == nil || result.Content.GetSHA() == "" {
		return "", document.TransportError("github save", errors.New("回應缺少 content sha"))
	}
	return document.Revision(result.Content.GetSHA()), nil
}

// statusOf 取出 HTTP 狀態碼，無回應時為 0
func statusOf(resp *github.Response, err error) int {
	if resp != nil && resp.Response != nil {
		return resp.StatusCode
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode
	}
	return 0
}
