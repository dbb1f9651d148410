package sensors

import (
	"fmt"
	"strings"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
)

// subarrayNumber extracts the subarray number from a product id such as
// "array_1". The number is the final character of the id.
func subarrayNumber(productID string) string {
	if productID == "" {
		return ""
	}
	return productID[len(productID)-1:]
}

// subarraySensor builds the full name of a subarray-level sensor, for
// example subarray_1_pool_resources.
func subarraySensor(productID, sensor string) string {
	return fmt.Sprintf("subarray_%s_%s", subarrayNumber(productID), sensor)
}

// cbfSensor builds the full name of a CBF proxy sensor, for example
// cbf_1_wide_adc_sample_rate.
func cbfSensor(cbfName, cbfPrefix, sensor string) string {
	return fmt.Sprintf("%s_%s_%s", cbfName, cbfPrefix, sensor)
}

// streamSensor builds the full name of a per-stream sensor published under
// the subarray's stream tree, for example
// subarray_1_streams_wide_antenna_channelised_voltage_n_chans.
func streamSensor(productID, cbfPrefix, sensor string) string {
	return fmt.Sprintf("subarray_%s_streams_%s_%s", subarrayNumber(productID), cbfPrefix, sensor)
}

// antennaSensor builds the full name of a per-antenna sensor, for example
// m001_target.
func antennaSensor(antenna, sensor string) string {
	return fmt.Sprintf("%s_%s", antenna, sensor)
}

// componentName resolves the name of a component from a pool_resources CSV
// value. Components may carry a deployment suffix (cbf_dev_1 as well as
// cbf_1), so matching is by prefix with the trailing number preserved.
func componentName(poolResources, component string) (string, error) {
	for _, resource := range strings.Split(poolResources, ",") {
		resource = strings.TrimSpace(resource)
		if resource == component || strings.HasPrefix(resource, component+"_") {
			return resource, nil
		}
	}
	return "", errors.WrapInvalid(errors.ErrSensorUnavailable, "sensors", "componentName",
		fmt.Sprintf("component %q not present in pool resources", component))
}
