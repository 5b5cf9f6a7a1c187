package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/solixapi/solix/log2"
)

const defaultErrorPrefix = "Anker Api Error"

// Request issues one API call with the session's auth headers. Embedded
// vendor error codes are mapped to *Error, HTTP failures to *StatusError.
// Recoverable failures are retried once per kind: 401/403 re-authenticate,
// 429 and the app-level rate limit wait out the endpoint's minute window,
// busy (21105) and gateway errors (502/504/522) back off 2..5 seconds.
func (self *Session) Request(ctx context.Context, method, endpoint string, headers map[string]string, body map[string]interface{}) (map[string]interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	self.Lock()
	defer self.Unlock()
	return self.request(ctx, method, endpoint, headers, body)
}

func (self *Session) request(ctx context.Context, method, endpoint string, headers map[string]string, body map[string]interface{}) (map[string]interface{}, error) {
	for {
		if !self.tokenExpiration.IsZero() && time.Until(self.tokenExpiration) < tokenValidityFloor {
			self.log.Debugf("session token expired or near expiry, re-authenticating")
			if err := self.authenticate(ctx, true); err != nil {
				return nil, err
			}
		}
		if endpoint != LoginEndpoint && !self.loggedIn {
			if err := self.authenticate(ctx, false); err != nil {
				return nil, err
			}
		}

		response, err := self.performRequest(ctx, method, endpoint, headers, body)
		if err == nil {
			if apiErr := apiError(response, defaultErrorPrefix); apiErr != nil {
				err = apiErr
			} else {
				self.retryAttempt = 0
				return response, nil
			}
		}

		retry, rerr := self.recoverRequest(ctx, endpoint, err)
		if rerr != nil {
			return nil, rerr
		}
		if retry {
			continue
		}
		self.retryAttempt = 0
		return nil, errors.Annotatef(err, "endpoint=%s", endpoint)
	}
}

// recoverRequest decides whether err warrants one more attempt and performs
// the required wait or re-login. Each failure kind is retried at most once
// in a row, tracked by retryAttempt.
func (self *Session) recoverRequest(ctx context.Context, endpoint string, err error) (bool, error) {
	switch e := err.(type) {
	case *Error:
		switch e.Kind {
		case KindRequestLimit:
			if self.retryAttempt != 429 && self.cfg.EndpointLimit > 0 {
				self.retryAttempt = 429
				return true, self.throttleEndpoint(ctx, endpoint)
			}
		case KindBusy:
			if self.retryAttempt != 21105 {
				self.retryAttempt = 21105
				delay := self.randomBackoff()
				self.log.Infof("session server busy, retrying %s after %v endpoint=%s", self.nickname, delay, endpoint)
				return true, self.enforceDelay(ctx, "", delay)
			}
		}

	case *StatusError:
		switch {
		case (e.Code == 401 || e.Code == 403) && self.retryAttempt != e.Code:
			self.retryAttempt = e.Code
			self.log.Infof("session invalid login, retrying authentication for %s: %s", self.nickname, e.Body)
			return true, self.authenticate(ctx, true)

		case e.Code == 429 && self.retryAttempt != 429 && self.cfg.EndpointLimit > 0:
			self.retryAttempt = 429
			return true, self.throttleEndpoint(ctx, endpoint)

		case (e.Code == 502 || e.Code == 504 || e.Code == 522) && self.retryAttempt != e.Code:
			self.retryAttempt = e.Code
			delay := self.randomBackoff()
			self.log.Infof("session http error %d, retrying %s after %v endpoint=%s", e.Code, self.nickname, delay, endpoint)
			return true, self.enforceDelay(ctx, "", delay)
		}
	}
	return false, nil
}

func (self *Session) throttleEndpoint(ctx context.Context, endpoint string) error {
	self.Counter.AddThrottle(endpoint)
	same := self.Counter.EndpointDetails(endpoint)
	self.log.Infof("session %s exceeded request limit with %d known requests in last minute, throttle enabled for endpoint=%s",
		self.nickname, len(same), endpoint)
	return self.enforceDelay(ctx, endpoint, -1)
}

func (self *Session) randomBackoff() time.Duration {
	return time.Duration(2+self.rnd.Intn(4)) * time.Second
}

func (self *Session) performRequest(ctx context.Context, method, endpoint string, headers map[string]string, body map[string]interface{}) (map[string]interface{}, error) {
	method = strings.ToUpper(method)
	urlStr := self.apiBase + "/" + endpoint

	var bodyBytes []byte
	if len(body) == 0 {
		if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
			bodyBytes = []byte("{}")
		}
	} else {
		var err error
		if bodyBytes, err = json.Marshal(body); err != nil {
			return nil, errors.Annotatef(err, "request body endpoint=%s", endpoint)
		}
	}

	var reader io.Reader
	if bodyBytes != nil {
		reader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return nil, errors.Annotatef(err, "request endpoint=%s", endpoint)
	}
	merged := self.generateHeader()
	for k, v := range headers {
		merged[k] = v
	}
	for k, v := range merged {
		req.Header.Set(k, v)
	}

	if self.log.Enabled(log2.LDebug) {
		self.log.Debugf("session request %s %s", method, urlStr)
		self.log.Debugf("session request headers: %v", self.maskHeaders(merged))
		self.log.Debugf("session request body: %s", bodyBytes)
	}

	if err = self.enforceDelay(ctx, endpoint, -1); err != nil {
		return nil, err
	}

	resp, err := self.httpClient.Do(req)
	if err != nil {
		return nil, errors.Annotatef(err, "request endpoint=%s", endpoint)
	}
	defer resp.Body.Close()
	respBody, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Annotatef(err, "response endpoint=%s", endpoint)
	}
	self.log.Debugf("session response status=%d body=%s", resp.StatusCode, respBody)
	if resp.StatusCode >= 400 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	var out map[string]interface{}
	if err = json.Unmarshal(respBody, &out); err != nil {
		return nil, errors.NotValidf("response json endpoint=%s", endpoint)
	}

	self.lastRequest = time.Now()
	self.Counter.Add(self.lastRequest, method+" "+urlStr)
	return out, nil
}

func (self *Session) maskHeaders(h map[string]string) map[string]string {
	if self.cfg.LogSecrets {
		return h
	}
	masked := make(map[string]string, len(h))
	for k, v := range h {
		if k == "x-auth-token" || k == "gtoken" {
			v = maskSecret(v)
		}
		masked[k] = v
	}
	return masked
}

// enforceDelay spaces requests by the configured delay (clamped to 0..10s)
// and, when the endpoint is under throttle with a full minute window,
// waits out the oldest request in the window plus a safety margin.
// override >= 0 replaces the configured delay and skips throttling.
func (self *Session) enforceDelay(ctx context.Context, endpoint string, override time.Duration) error {
	raw := override
	if raw < 0 {
		raw = self.cfg.RequestDelay
	}
	delay := raw
	if delay < MinRequestDelay {
		delay = MinRequestDelay
	}
	if delay > MaxRequestDelay {
		delay = MaxRequestDelay
	}

	var throttle time.Duration
	if endpoint != "" && override < 0 && self.cfg.EndpointLimit > 0 && self.Counter.IsThrottled(endpoint) {
		same := self.Counter.EndpointDetails(endpoint)
		if len(same) >= self.cfg.EndpointLimit {
			throttle = 65*time.Second - time.Since(same[0].At)
		}
		if throttle < 0 {
			throttle = 0
		}
		if throttle > 0 {
			self.log.Infof("session throttling next request of %s for %.1fs to maintain request limit=%d endpoint=%s",
				self.nickname, throttle.Seconds(), self.cfg.EndpointLimit, endpoint)
		}
	}

	var elapsed time.Duration
	if !self.lastRequest.IsZero() {
		elapsed = time.Since(self.lastRequest)
	} else if override < 0 {
		elapsed = delay
	}
	wait := delay - elapsed
	if throttle > wait {
		wait = throttle
	}
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
