/*
   Copyright The cvmfs-contrib Authors.

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

package resolver

import (
	"github.com/docker/cli/cli/config"
)

// dockerHubAuthKey is the legacy server address Docker Hub credentials
// are stored under in the CLI config.
const dockerHubAuthKey = "https://index.docker.io/v1/"

// DockerConfigCredential reads credentials the user already holds in
// the docker CLI config (~/.docker/config.json), including credential
// helpers. Hosts without stored credentials resolve anonymously.
func DockerConfigCredential() Credential {
	return func(host string) (string, string, error) {
		cf, err := config.Load(config.Dir())
		if err != nil {
			return "", "", err
		}
		if host == "docker.io" || host == "registry-1.docker.io" {
			host = dockerHubAuthKey
		}
		auth, err := cf.GetAuthConfig(host)
		if err != nil {
			return "", "", err
		}
		return auth.Username, auth.Password, nil
	}
}

// StaticCredential returns the same pair for every host.
func StaticCredential(username, password string) Credential {
	return func(string) (string, string, error) {
		return username, password, nil
	}
}
