package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ContainerInfo はコンテナのinspect結果から必要な項目を抜き出したもの。
type ContainerInfo struct {
	ID       string
	Name     string
	Image    string
	State    string // running, exited, created, ...
	Running  bool
	ExitCode int
	Created  time.Time
	Labels   map[string]string
	HostPort int
}

// ContainerSummary はコンテナ一覧の1件分。
type ContainerSummary struct {
	ID     string
	Name   string
	Image  string
	State  string
	Status string
	Labels map[string]string
}

// containerSpec は POST /containers/create のリクエストボディ。
type containerSpec struct {
	Image        string              `json:"Image"`
	Cmd          []string            `json:"Cmd"`
	Env          []string            `json:"Env"`
	WorkingDir   string              `json:"WorkingDir"`
	Labels       map[string]string   `json:"Labels,omitempty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts"`
	HostConfig   hostConfig          `json:"HostConfig"`
}

type hostConfig struct {
	Binds         []string                 `json:"Binds"`
	PortBindings  map[string][]portBinding `json:"PortBindings"`
	RestartPolicy restartPolicy            `json:"RestartPolicy"`
}

type portBinding struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

type restartPolicy struct {
	Name string `json:"Name"`
}

// buildSpec はブリッジコンテナの作成パラメータを組み立てる。
func (c *Client) buildSpec(hostPort int, sessionName, apiID, apiHash string) containerSpec {
	binds := make([]string, 0, 2)
	if c.cfg.CodePath != "" {
		binds = append(binds, c.cfg.CodePath+":/app")
	}
	binds = append(binds, VolumeName(sessionName)+":/app/sessions")

	return containerSpec{
		Image: c.cfg.Image,
		Cmd:   []string{"-s", sessionName},
		Env: []string{
			"SERVER_PORT=9503",
			"IP_WHITELIST=" + c.cfg.IPWhitelist,
			"PASSWORDS=" + c.cfg.Passwords,
			"TELEGRAM_API_ID=" + apiID,
			"TELEGRAM_API_HASH=" + apiHash,
			"LOGGER_LEVEL=2",
			"DB_TYPE=memory",
		},
		WorkingDir: "/app",
		Labels:     map[string]string{sessionLabel: sessionName},
		ExposedPorts: map[string]struct{}{
			bridgeInternalPort: {},
		},
		HostConfig: hostConfig{
			Binds: binds,
			PortBindings: map[string][]portBinding{
				bridgeInternalPort: {{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}},
			},
			RestartPolicy: restartPolicy{Name: "unless-stopped"},
		},
	}
}

// CreateContainer はブリッジコンテナを作成して起動し、コンテナIDを返す。
// 同名のコンテナが既に存在する場合は削除してから作り直す。
// 起動に失敗した場合は作成したコンテナを削除する。
func (c *Client) CreateContainer(ctx context.Context, name string, hostPort int, sessionName, apiID, apiHash string) (id string, err error) {
	defer func() { c.record("create", err) }()

	existing, err := c.Inspect(ctx, name)
	if err != nil {
		return "", err
	}
	if existing != nil {
		c.logger.Warn("同名のコンテナが存在するため削除します", slog.String("name", name))
		if err := c.RemoveContainer(ctx, name); err != nil {
			return "", err
		}
	}

	if err := c.ensureImage(ctx, c.cfg.Image); err != nil {
		return "", err
	}
	if c.cfg.CodePath != "" && c.code != nil {
		if err := c.code.Ensure(ctx, c.cfg.CodePath); err != nil {
			return "", c.containerErr("create", name, fmt.Errorf("failed to prepare bridge code: %w", err))
		}
	}
	if err := c.CreateVolume(ctx, VolumeName(sessionName)); err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("name", name)
	resp, err := c.do(ctx, c.cfg.RequestTimeout, http.MethodPost, "/containers/create", q, c.buildSpec(hostPort, sessionName, apiID, apiHash))
	if err != nil {
		return "", c.containerErr("create", name, err)
	}
	if resp.StatusCode != http.StatusCreated {
		return "", c.containerErr("create", name, resp.statusError())
	}

	var created struct {
		ID       string   `json:"Id"`
		Warnings []string `json:"Warnings"`
	}
	if err := json.Unmarshal(resp.Body, &created); err != nil || created.ID == "" {
		return "", c.containerErr("create", name, fmt.Errorf("container id not returned"))
	}
	for _, w := range created.Warnings {
		c.logger.Warn("コンテナ作成時の警告", slog.String("name", name), slog.String("warning", w))
	}

	if err := c.startContainer(ctx, created.ID); err != nil {
		if rmErr := c.RemoveContainer(ctx, name); rmErr != nil {
			c.logger.Warn("起動失敗したコンテナの削除に失敗しました",
				slog.String("name", name),
				slog.String("error", rmErr.Error()),
			)
		}
		return "", c.containerErr("start", name, err)
	}

	c.logger.Info("コンテナを作成しました",
		slog.String("name", name),
		slog.String("container_id", shortID(created.ID)),
		slog.Int("host_port", hostPort),
	)
	return created.ID, nil
}

// startContainer はコンテナを起動する。起動済み（304）は成功として扱う。
func (c *Client) startContainer(ctx context.Context, id string) error {
	resp, err := c.do(ctx, c.cfg.RequestTimeout, http.MethodPost, "/containers/"+url.PathEscape(id)+"/start", nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotModified {
		return resp.statusError()
	}
	return nil
}

// StopContainer はコンテナを停止する（猶予10秒）。停止済み（304）は成功として扱う。
func (c *Client) StopContainer(ctx context.Context, name string) (err error) {
	defer func() { c.record("stop", err) }()

	q := url.Values{}
	q.Set("t", "10")
	// 停止猶予の分だけタイムアウトを延ばす
	resp, err := c.do(ctx, c.cfg.RequestTimeout+10*time.Second, http.MethodPost, "/containers/"+url.PathEscape(name)+"/stop", q, nil)
	if err != nil {
		return c.containerErr("stop", name, err)
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotModified {
		return c.containerErr("stop", name, resp.statusError())
	}
	c.logger.Info("コンテナを停止しました", slog.String("name", name))
	return nil
}

// RemoveContainer はコンテナを強制削除する。存在しない（404）場合は成功として扱う。
func (c *Client) RemoveContainer(ctx context.Context, name string) (err error) {
	defer func() { c.record("remove", err) }()

	q := url.Values{}
	q.Set("force", "true")
	resp, err := c.do(ctx, c.cfg.RequestTimeout, http.MethodDelete, "/containers/"+url.PathEscape(name), q, nil)
	if err != nil {
		return c.containerErr("remove", name, err)
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return c.containerErr("remove", name, resp.statusError())
	}
	c.logger.Info("コンテナを削除しました", slog.String("name", name))
	return nil
}

// inspectResponse は GET /containers/{id}/json のレスポンスのうち使用する項目。
type inspectResponse struct {
	ID      string `json:"Id"`
	Name    string `json:"Name"`
	Created string `json:"Created"`
	State   struct {
		Status   string `json:"Status"`
		Running  bool   `json:"Running"`
		ExitCode int    `json:"ExitCode"`
	} `json:"State"`
	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	NetworkSettings struct {
		Ports map[string][]portBinding `json:"Ports"`
	} `json:"NetworkSettings"`
}

// Inspect はコンテナの状態を取得する。存在しない場合は nil, nil を返す。
func (c *Client) Inspect(ctx context.Context, name string) (*ContainerInfo, error) {
	resp, err := c.do(ctx, c.cfg.RequestTimeout, http.MethodGet, "/containers/"+url.PathEscape(name)+"/json", nil, nil)
	if err != nil {
		return nil, c.containerErr("inspect", name, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.containerErr("inspect", name, resp.statusError())
	}

	var raw inspectResponse
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, c.containerErr("inspect", name, fmt.Errorf("failed to decode inspect response: %w", err))
	}

	info := &ContainerInfo{
		ID:       raw.ID,
		Name:     strings.TrimPrefix(raw.Name, "/"),
		Image:    raw.Config.Image,
		State:    strings.ToLower(raw.State.Status),
		Running:  raw.State.Running,
		ExitCode: raw.State.ExitCode,
		Labels:   raw.Config.Labels,
	}
	if t, err := time.Parse(time.RFC3339Nano, raw.Created); err == nil {
		info.Created = t
	}
	for _, b := range raw.NetworkSettings.Ports[bridgeInternalPort] {
		if p, err := strconv.Atoi(b.HostPort); err == nil {
			info.HostPort = p
			break
		}
	}
	return info, nil
}

// IsRunning はコンテナが稼働中かを返す。取得に失敗した場合はfalse。
func (c *Client) IsRunning(ctx context.Context, name string) bool {
	info, err := c.Inspect(ctx, name)
	if err != nil || info == nil {
		return false
	}
	return info.State == "running"
}

// listEntry は GET /containers/json の1件分。
type listEntry struct {
	ID     string            `json:"Id"`
	Names  []string          `json:"Names"`
	Image  string            `json:"Image"`
	State  string            `json:"State"`
	Status string            `json:"Status"`
	Labels map[string]string `json:"Labels"`
}

// ListByNamePrefix は名前が prefix で始まるコンテナを停止中も含めて列挙する。
func (c *Client) ListByNamePrefix(ctx context.Context, prefix string) ([]ContainerSummary, error) {
	return c.list(ctx, prefix, nil)
}

// ListExited は名前が prefix で始まる終了済みコンテナを列挙する。
// 作成直後で未起動のコンテナ(created)は作成処理の途中であり得るため含めない。
func (c *Client) ListExited(ctx context.Context, prefix string) ([]ContainerSummary, error) {
	return c.list(ctx, prefix, []string{"exited", "dead"})
}

func (c *Client) list(ctx context.Context, prefix string, statuses []string) ([]ContainerSummary, error) {
	filters := map[string][]string{"name": {prefix}}
	if len(statuses) > 0 {
		filters["status"] = statuses
	}
	encoded, err := json.Marshal(filters)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("all", "true")
	q.Set("filters", string(encoded))
	resp, err := c.do(ctx, c.cfg.RequestTimeout, http.MethodGet, "/containers/json", q, nil)
	if err != nil {
		return nil, c.containerErr("list", prefix, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.containerErr("list", prefix, resp.statusError())
	}

	var entries []listEntry
	if err := json.Unmarshal(resp.Body, &entries); err != nil {
		return nil, c.containerErr("list", prefix, fmt.Errorf("failed to decode list response: %w", err))
	}

	// Dockerのnameフィルタは部分一致のため、前方一致で絞り込み直す
	var out []ContainerSummary
	for _, e := range entries {
		for _, n := range e.Names {
			n = strings.TrimPrefix(n, "/")
			if strings.HasPrefix(n, prefix) {
				out = append(out, ContainerSummary{
					ID:     e.ID,
					Name:   n,
					Image:  e.Image,
					State:  e.State,
					Status: e.Status,
					Labels: e.Labels,
				})
				break
			}
		}
	}
	return out, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
