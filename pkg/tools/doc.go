// Package tools groups the tool plumbing that exposes the host store to
// agents and scripts over MCP (Model Context Protocol).
//
// Sub-packages:
//   - [github.com/germanamz/portbridge/pkg/tools/toolbox]: Tool type and ToolBox registry
//   - [github.com/germanamz/portbridge/pkg/tools/mcpserver]: serves a ToolBox over stdio or streamable HTTP
//   - [github.com/germanamz/portbridge/pkg/tools/mcpclient]: calls the tools of a running host
//
// mcpserver and mcpclient both depend on toolbox but not on each other.
package tools
