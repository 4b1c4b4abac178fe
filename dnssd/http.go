package dnssd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	. "github.com/weaveworks/mdnsd/common"
)

type instanceView struct {
	Name      string            `json:"name"`
	Instance  string            `json:"instance"`
	Service   string            `json:"service"`
	Domain    string            `json:"domain"`
	Port      uint16            `json:"port"`
	Txt       map[string]string `json:"txt,omitempty"`
	Host      string            `json:"host,omitempty"`
	Addresses []string          `json:"addresses,omitempty"`
}

type instancesView struct {
	Published []instanceView `json:"published"`
	Pending   []instanceView `json:"pending"`
}

func viewOf(i Instance) instanceView {
	name, _ := i.Name()
	return instanceView{
		Name:     name.String(),
		Instance: i.InstanceID,
		Service:  i.ServiceID,
		Domain:   i.Domain,
		Port:     i.Port,
		Txt:      i.Txt,
	}
}

func httpStatus(err error) int {
	switch errors.Cause(err) {
	case ErrDuplicateRegistration:
		return http.StatusConflict
	case ErrNotPublished, ErrNotRegistered:
		return http.StatusNotFound
	case ErrClosed:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

// onRunner runs f on runner. A stopped runner means the publisher is gone.
func onRunner(runner TaskRunner, f func() error) error {
	var err error
	if !RunSync(runner, func() { err = f() }) {
		return ErrClosed
	}
	return err
}

func httpError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), httpStatus(err))
	Log.Infof("[dnssd] http: %v", err)
}

// instanceFromRequest reads {service}/{instance} from the path and the
// port and repeated txt=key=value fields from the form.
func instanceFromRequest(r *http.Request) (Instance, error) {
	if err := r.ParseForm(); err != nil {
		return Instance{}, errors.Wrapf(ErrInvalidInstance, "%v", err)
	}
	vars := mux.Vars(r)
	port, err := strconv.ParseUint(r.Form.Get("port"), 10, 16)
	if err != nil {
		return Instance{}, errors.Wrapf(ErrInvalidInstance, "port %q", r.Form.Get("port"))
	}
	var txt map[string]string
	for _, entry := range r.Form["txt"] {
		if txt == nil {
			txt = make(map[string]string)
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) == 2 {
			txt[kv[0]] = kv[1]
		} else {
			txt[kv[0]] = ""
		}
	}
	return NewInstance(vars["instance"], vars["service"], uint16(port), txt)
}

// HandleHTTP serves the publisher's API on router. Every call into p runs
// on runner.
func HandleHTTP(router *mux.Router, runner TaskRunner, p *Publisher) {
	router.Methods("GET").Path("/instances").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		view := instancesView{Published: []instanceView{}, Pending: []instanceView{}}
		err := onRunner(runner, func() error {
			for _, e := range p.Endpoints() {
				v := viewOf(e.Instance)
				v.Name = e.Name.String()
				v.Host = e.Host.String()
				for _, addr := range e.Addresses {
					v.Addresses = append(v.Addresses, addr.String())
				}
				view.Published = append(view.Published, v)
			}
			for _, i := range p.Pending() {
				view.Pending = append(view.Pending, viewOf(i))
			}
			return nil
		})
		if err != nil {
			httpError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(view); err != nil {
			httpError(w, fmt.Errorf("Error marshalling response: %v", err))
		}
	})

	router.Methods("PUT").Path("/instance/{service}/{instance}").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		instance, err := instanceFromRequest(r)
		if err != nil {
			httpError(w, err)
			return
		}
		if err := onRunner(runner, func() error { return p.Register(instance, nil) }); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	router.Methods("POST").Path("/instance/{service}/{instance}").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		instance, err := instanceFromRequest(r)
		if err != nil {
			httpError(w, err)
			return
		}
		if err := onRunner(runner, func() error { return p.UpdateRegistration(instance) }); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	router.Methods("DELETE").Path("/instance/{service}/{instance}").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		serviceID, domain, err := ParseServiceType(vars["service"])
		if err != nil {
			httpError(w, err)
			return
		}
		instance := Instance{InstanceID: vars["instance"], ServiceID: serviceID, Domain: domain}
		if err := onRunner(runner, func() error { return p.Deregister(instance) }); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	router.Methods("DELETE").Path("/service/{service}").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var count int
		err := onRunner(runner, func() (err error) {
			count, err = p.DeregisterAll(mux.Vars(r)["service"])
			return err
		})
		if err != nil {
			httpError(w, err)
			return
		}
		fmt.Fprintln(w, count)
	})
}
