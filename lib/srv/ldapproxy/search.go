/*
Copyright 2024 WorldPosta, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ldapproxy

import (
	"context"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/lor00x/goldap/message"
	ldapserver "github.com/vjeantet/ldapserver"

	"github.com/worldposta/authproxy/lib/defaults"
)

// binaryAttrs are AD attributes whose values are raw octets. They are
// forwarded byte for byte; running them through the string value path
// would mangle them.
var binaryAttrs = map[string]bool{
	"objectsid":                       true,
	"objectguid":                      true,
	"usercertificate":                 true,
	"ntsecuritydescriptor":            true,
	"msexchmailboxsecuritydescriptor": true,
	"jpegphoto":                       true,
	"thumbnailphoto":                  true,
	"photo":                           true,
	"logonhours":                      true,
	"sidhistory":                      true,
}

func isBinaryAttr(name string) bool {
	return binaryAttrs[strings.ToLower(name)]
}

// attributeValues converts one directory attribute for the wire, keeping
// binary attributes as raw octets.
func attributeValues(attr *ldap.EntryAttribute) []message.AttributeValue {
	var values []message.AttributeValue
	if isBinaryAttr(attr.Name) {
		for _, b := range attr.ByteValues {
			values = append(values, message.AttributeValue(b))
		}
		return values
	}
	for _, v := range attr.Values {
		values = append(values, message.AttributeValue(v))
	}
	return values
}

func (s *Server) handleSearch(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), defaults.DirectoryRequestTimeout)
	defer cancel()
	defer s.recoverOp(ctx, w, "search")

	if s.cfg.Directory == nil {
		w.Write(ldapserver.NewSearchResultDoneResponse(ldapserver.LDAPResultUnwillingToPerform))
		return
	}

	r := m.GetSearchRequest()
	attrs := make([]string, 0, len(r.Attributes()))
	for _, a := range r.Attributes() {
		attrs = append(attrs, string(a))
	}

	entries := s.search(ctx, string(r.BaseObject()), int(r.Scope()), serializeFilter(r.Filter()), attrs)
	for _, e := range entries {
		w.Write(e)
	}
	// The operation always terminates with success: applications treat a
	// non-zero SearchResultDone as fatal, so back-end trouble surfaces as
	// an empty result set and a log line, never as a protocol error.
	w.Write(ldapserver.NewSearchResultDoneResponse(ldapserver.LDAPResultSuccess))
}

// search proxies one search under the service credential and converts
// the entries for the wire. Back-end failure yields no entries.
func (s *Server) search(ctx context.Context, base string, scope int, filter string, attrs []string) []message.SearchResultEntry {
	if len(attrs) == 0 {
		// Ask the directory for operational attributes too; clients
		// like to read things such as memberOf without naming them.
		attrs = []string{"*", "+"}
	}

	log := s.cfg.Logger.With("base", base, "filter", filter)
	log.DebugContext(ctx, "proxying search")

	entries, err := s.cfg.Directory.PassthroughSearch(ctx, base, scope, filter, attrs)
	if err != nil {
		log.WarnContext(ctx, "proxied search failed", "error", err)
		return nil
	}

	out := make([]message.SearchResultEntry, 0, len(entries))
	for _, entry := range entries {
		e := ldapserver.NewSearchResultEntry(entry.DN)
		for _, attr := range entry.Attributes {
			e.AddAttribute(message.AttributeDescription(attr.Name), attributeValues(attr)...)
		}
		out = append(out, e)
	}
	log.DebugContext(ctx, "search done", "entries", len(out))
	return out
}

func (s *Server) handleCompare(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), defaults.DirectoryRequestTimeout)
	defer cancel()
	defer s.recoverOp(ctx, w, "compare")

	if s.cfg.Directory == nil {
		w.Write(ldapserver.NewCompareResponse(ldapserver.LDAPResultUnwillingToPerform))
		return
	}

	r := m.GetCompareRequest()
	ava := r.Ava()
	w.Write(ldapserver.NewCompareResponse(s.compare(ctx,
		string(r.Entry()), string(ava.AttributeDesc()), string(ava.AssertionValue()))))
}

// compare proxies one compare. Failures answer compareFalse: the caller
// asked a yes/no question and "no" is the safe answer when the directory
// cannot be reached.
func (s *Server) compare(ctx context.Context, dn, attribute, value string) int {
	matched, err := s.cfg.Directory.Compare(ctx, dn, attribute, value)
	if err != nil {
		s.cfg.Logger.WarnContext(ctx, "proxied compare failed", "entry", dn, "error", err)
		return ldapserver.LDAPResultCompareFalse
	}
	if matched {
		return ldapserver.LDAPResultCompareTrue
	}
	return ldapserver.LDAPResultCompareFalse
}
