package jailbreak

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang/glog"
)

// AnalyticsApp is the app name runs are counted under.
const AnalyticsApp = "palera1n_py-rewrite"

// hit reports a successful run. Failures are only logged.
func (j *Jailbreak) hit(ctx context.Context) {
	if j.AnalyticsURL == "" {
		return
	}
	body, _ := json.Marshal(map[string]string{"app_name": AnalyticsApp})
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.AnalyticsURL, bytes.NewReader(body))
	if err != nil {
		glog.V(1).Infof("analytics: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	client := j.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		glog.V(1).Infof("analytics: %v", err)
		return
	}
	resp.Body.Close()
}
