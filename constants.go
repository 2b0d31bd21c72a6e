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

package authproxy

// Version is the semantic version of the authentication proxy.
const Version = "1.2.0"

const (
	// ComponentKey is the log field used to tag records with the
	// component that emitted them.
	ComponentKey = "component"

	// ComponentRADIUS is the RADIUS front end.
	ComponentRADIUS = "radius"

	// ComponentLDAP is the LDAP front end.
	ComponentLDAP = "ldap"

	// ComponentAuth is the authentication engine.
	ComponentAuth = "auth"

	// ComponentCloud is the WorldPosta cloud API client.
	ComponentCloud = "worldposta:api"

	// ComponentDirectory is the back-end directory client.
	ComponentDirectory = "directory"

	// ComponentProcess is the process supervisor.
	ComponentProcess = "proxy:service"
)
