/*
 Licensed to the Apache Software Foundation (ASF) under one
 or more contributor license agreements.  See the NOTICE file
 distributed with this work for additional information
 regarding copyright ownership.  The ASF licenses this file
 to you under the Apache License, Version 2.0 (the
 "License"); you may not use this file except in compliance
 with the License.  You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/
package webservice

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/fairshare-scheduler/fairshare-core/pkg/webservice/dao"
)

func TestCompression(t *testing.T) {
	prepareStrategy(t)
	router := newRouter()

	req, err := http.NewRequest("GET", "/ws/v1/trees", nil)
	assert.NilError(t, err, "Error while creating the request")
	req.Header.Set("Accept-Encoding", "gzip")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "gzip", resp.Header().Get("Content-Encoding"))

	gzipReader, err := gzip.NewReader(resp.Body)
	assert.NilError(t, err, "Failed to create gzip reader")
	defer gzipReader.Close()
	body, err := io.ReadAll(gzipReader)
	assert.NilError(t, err, "Failed to read the compressed body")
	var trees []dao.TreeDAOInfo
	assert.NilError(t, json.Unmarshal(body, &trees), unmarshalError)
	assert.Equal(t, 2, len(trees))

	req, err = http.NewRequest("GET", "/ws/v1/trees", nil)
	assert.NilError(t, err, "Error while creating the request")
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, "", resp.Header().Get("Content-Encoding"))
	trees = nil
	assert.NilError(t, json.Unmarshal(resp.Body.Bytes(), &trees), unmarshalError)
	assert.Equal(t, 2, len(trees))
}

func TestCompressedErrorResponse(t *testing.T) {
	prepareStrategy(t)
	req, err := http.NewRequest("GET", "/ws/v1/trees/unknown", nil)
	assert.NilError(t, err, "Error while creating the request")
	req.Header.Set("Accept-Encoding", "gzip")
	resp := httptest.NewRecorder()
	newRouter().ServeHTTP(resp, req)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	gzipReader, err := gzip.NewReader(resp.Body)
	assert.NilError(t, err, "Failed to create gzip reader")
	defer gzipReader.Close()
	var errInfo dao.YAPIError
	assert.NilError(t, json.NewDecoder(gzipReader).Decode(&errInfo), unmarshalError)
	assert.Equal(t, TreeDoesNotExists, errInfo.Message)
}

func TestStopWithoutStart(t *testing.T) {
	ws := NewWebApp(nil)
	assert.NilError(t, ws.StopWebApp())
	assert.Assert(t, getStrategy() == nil)
}

func TestUnknownRoute(t *testing.T) {
	prepareStrategy(t)
	req, err := http.NewRequest("GET", "/ws/v1/unknown", nil)
	assert.NilError(t, err, "Error while creating the request")
	resp := httptest.NewRecorder()
	newRouter().ServeHTTP(resp, req)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
