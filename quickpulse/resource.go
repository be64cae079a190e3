package quickpulse

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Application Insights context-tag keys carried as resource attributes by the
// exporter that constructs the tracer provider's Resource. These mirror the
// keys the Node.js/Rust exporters read off the same resource.
const (
	attrInternalSDKVersion = attribute.Key("ai.internal.sdkVersion")
	attrCloudRole          = attribute.Key("ai.cloud.role")
	attrCloudRoleInstance  = attribute.Key("ai.cloud.roleInstance")
)

const unknownMachineName = "Unknown"

// ResourceData is a cheaply cloneable snapshot of the identity fields an
// envelope needs. It holds no pointers into the originating *resource.Resource
// so it can be copied under the shared lock and used after releasing it.
type ResourceData struct {
	Version     string
	MachineName string
	Instance    string
	RoleName    string
}

// newResourceData derives a ResourceData from an OTel SDK resource. A nil
// resource yields the zero-value fields (machine name "Unknown").
func newResourceData(res *resource.Resource) ResourceData {
	machineName := unknownMachineName
	var version, roleName, roleInstance string

	if res != nil {
		set := res.Set()
		if v, ok := set.Value(semconv.HostNameKey); ok {
			machineName = v.AsString()
		}
		if v, ok := set.Value(attrInternalSDKVersion); ok {
			version = v.AsString()
		}
		if v, ok := set.Value(attrCloudRole); ok {
			roleName = v.AsString()
		}
		if v, ok := set.Value(attrCloudRoleInstance); ok {
			roleInstance = v.AsString()
		}
	}

	instance := roleInstance
	if instance == "" {
		instance = machineName
	}

	return ResourceData{
		Version:     version,
		MachineName: machineName,
		Instance:    instance,
		RoleName:    roleName,
	}
}
