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
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/lor00x/goldap/message"
)

// matchAllFilter stands in for filter constructs the proxy cannot
// re-serialize. Broadening the filter is safe: the upstream directory
// enforces its own access controls on the result set.
const matchAllFilter = "(objectClass=*)"

// serializeFilter renders a decoded search filter back into RFC 4515 text
// so it can be replayed against the upstream directory. Assertion values
// are re-escaped; attribute descriptions pass through unchanged.
func serializeFilter(f message.Filter) string {
	switch v := f.(type) {
	case message.FilterAnd:
		return serializeFilterSet("&", v)
	case message.FilterOr:
		return serializeFilterSet("|", v)
	case message.FilterNot:
		return "(!" + serializeFilter(v.Filter) + ")"
	case message.FilterPresent:
		return fmt.Sprintf("(%s=*)", string(v))
	case message.FilterEqualityMatch:
		return serializeAssertion("=", message.AttributeValueAssertion(v))
	case message.FilterGreaterOrEqual:
		return serializeAssertion(">=", message.AttributeValueAssertion(v))
	case message.FilterLessOrEqual:
		return serializeAssertion("<=", message.AttributeValueAssertion(v))
	case message.FilterApproxMatch:
		return serializeAssertion("~=", message.AttributeValueAssertion(v))
	case message.FilterSubstrings:
		return serializeSubstrings(v)
	default:
		return matchAllFilter
	}
}

func serializeFilterSet(op string, filters []message.Filter) string {
	var b strings.Builder
	b.WriteString("(" + op)
	for _, f := range filters {
		b.WriteString(serializeFilter(f))
	}
	b.WriteString(")")
	return b.String()
}

func serializeAssertion(op string, ava message.AttributeValueAssertion) string {
	return fmt.Sprintf("(%s%s%s)",
		string(ava.AttributeDesc()), op, ldap.EscapeFilter(string(ava.AssertionValue())))
}

func serializeSubstrings(f message.FilterSubstrings) string {
	var b strings.Builder
	fmt.Fprintf(&b, "(%s=", string(f.Type_()))
	endsOpen := true
	for _, sub := range f.Substrings() {
		switch s := sub.(type) {
		case message.SubstringInitial:
			b.WriteString(ldap.EscapeFilter(string(s)))
		case message.SubstringAny:
			b.WriteString("*" + ldap.EscapeFilter(string(s)))
		case message.SubstringFinal:
			b.WriteString("*" + ldap.EscapeFilter(string(s)))
			endsOpen = false
		}
	}
	if endsOpen {
		b.WriteString("*")
	}
	b.WriteString(")")
	return b.String()
}
