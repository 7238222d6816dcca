// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

//go:build integration

package auth_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
)

type client struct {
	http *http.Client
	base string
}

func newClient() *client {
	jar, err := cookiejar.New(nil)
	Expect(err).NotTo(HaveOccurred())
	return &client{http: &http.Client{Jar: jar}, base: env.api.URL}
}

func (c *client) call(method, path, body string) (int, map[string]any) {
	req, err := http.NewRequest(method, c.base+path, strings.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
	return resp.StatusCode, out
}

func registerBody(username, email string) string {
	return fmt.Sprintf(`{"username":%q,"email":%q,"phoneNumber":"+15550100","password":"s3cret pass"}`, username, email)
}

var _ = Describe("Auth API", func() {
	BeforeEach(func() {
		env.reset()
	})

	It("registers, rejects duplicates, logs in and out", func() {
		c := newClient()

		code, body := c.call(http.MethodPost, "/auth/register", registerBody("alice", "alice@example.com"))
		Expect(code).To(Equal(http.StatusOK))
		Expect(body["message"]).To(Equal("User registered successfully!"))

		code, body = c.call(http.MethodPost, "/auth/register", registerBody("alice2", "Alice@Example.com"))
		Expect(code).To(Equal(http.StatusBadRequest))
		Expect(body["message"]).To(Equal("Email or username is already in use."))

		code, body = c.call(http.MethodPost, "/auth/login", `{"email":"alice@example.com","password":"s3cret pass"}`)
		Expect(code).To(Equal(http.StatusOK))
		Expect(body["message"]).To(Equal("Login successful!"))
		Expect(body["user"]).To(HaveKeyWithValue("username", "alice"))

		code, _ = c.call(http.MethodGet, "/auth/session", "")
		Expect(code).To(Equal(http.StatusOK))

		code, body = c.call(http.MethodPost, "/auth/logout", "")
		Expect(code).To(Equal(http.StatusOK))
		Expect(body["message"]).To(Equal("Logout successful!"))

		code, _ = c.call(http.MethodGet, "/auth/session", "")
		Expect(code).To(Equal(http.StatusUnauthorized))
	})

	It("answers unknown email and wrong password identically", func() {
		c := newClient()
		code, _ := c.call(http.MethodPost, "/auth/register", registerBody("bob", "bob@example.com"))
		Expect(code).To(Equal(http.StatusOK))

		unknownCode, unknown := c.call(http.MethodPost, "/auth/login", `{"email":"nobody@example.com","password":"x"}`)
		wrongCode, wrong := c.call(http.MethodPost, "/auth/login", `{"email":"bob@example.com","password":"x"}`)

		Expect(unknownCode).To(Equal(http.StatusUnauthorized))
		Expect(wrongCode).To(Equal(unknownCode))
		Expect(wrong).To(Equal(unknown))
	})

	It("lets exactly one concurrent registration win an email", func() {
		const n = 12
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			codes = map[int]int{}
		)
		for i := range n {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				code, _ := newClient().call(http.MethodPost, "/auth/register",
					registerBody(fmt.Sprintf("racer%d", i), "race@example.com"))
				mu.Lock()
				codes[code]++
				mu.Unlock()
			}()
		}
		wg.Wait()

		Expect(codes[http.StatusOK]).To(Equal(1))
		Expect(codes[http.StatusBadRequest]).To(Equal(n - 1))

		var keys int
		Expect(env.pool.QueryRow(env.ctx,
			`SELECT count(*) FROM account_keys WHERE account_id IS NULL`).Scan(&keys)).To(Succeed())
		Expect(keys).To(BeZero(), "losing reservations are released")
	})

	It("keeps sessions independent across logins", func() {
		first, second := newClient(), newClient()
		code, _ := first.call(http.MethodPost, "/auth/register", registerBody("carol", "carol@example.com"))
		Expect(code).To(Equal(http.StatusOK))

		for _, c := range []*client{first, second} {
			code, _ = c.call(http.MethodPost, "/auth/login", `{"email":"carol@example.com","password":"s3cret pass"}`)
			Expect(code).To(Equal(http.StatusOK))
		}

		code, _ = first.call(http.MethodPost, "/auth/logout", "")
		Expect(code).To(Equal(http.StatusOK))

		code, _ = first.call(http.MethodGet, "/auth/session", "")
		Expect(code).To(Equal(http.StatusUnauthorized))
		code, _ = second.call(http.MethodGet, "/auth/session", "")
		Expect(code).To(Equal(http.StatusOK))
	})
})
